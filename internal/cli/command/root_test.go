package command

import (
	"bytes"
	"testing"
)

func TestApp(t *testing.T) {
	app := App()

	if app.Name != "lockmesh-node" {
		t.Errorf("app.Name = %q, want %q", app.Name, "lockmesh-node")
	}

	want := []string{"run", "health", "nodes", "recovery", "version"}
	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing command %q", name)
		}
	}

	flags := make(map[string]bool)
	for _, f := range app.Flags {
		for _, n := range f.Names() {
			flags[n] = true
		}
	}
	for _, name := range []string{"admin", "a", "output", "o", "timeout"} {
		if !flags[name] {
			t.Errorf("missing global flag %q", name)
		}
	}
}

func TestRunCommandFlags(t *testing.T) {
	cmd := RunCommand()
	flags := make(map[string]bool)
	for _, f := range cmd.Flags {
		for _, n := range f.Names() {
			flags[n] = true
		}
	}
	for _, name := range []string{"config", "c", "node-id", "log-level", "watch"} {
		if !flags[name] {
			t.Errorf("run: missing flag %q", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	for _, format := range []string{"table", "json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			app := App()
			app.Writer = &buf
			if err := app.Run([]string{"lockmesh-node", "-o", format, "version"}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !bytes.Contains(buf.Bytes(), []byte("dev")) {
				t.Errorf("output missing version:\n%s", buf.String())
			}
		})
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	app := App()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"lockmesh-node", "-o", "xml", "version"}); err == nil {
		t.Error("Run() with unknown format should fail")
	}
}
