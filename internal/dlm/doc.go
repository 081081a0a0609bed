// Package dlm implements lock domains on top of the cluster transport.
//
// Every lock resource has one master node which owns its granted,
// converting and blocked queues. Other nodes keep a local copy holding
// only their own locks and talk to the master through create, convert,
// unlock and proxy-grant messages. Mastery is found through the local
// cache, a requery broadcast, and finally a master request to the
// resource's home node on a murmur3 ring over the domain members.
//
// When a member dies, the survivors elect a recovery master by racing
// for the $RECOVERY lock. The winner announces itself, collects lock
// snapshots from every survivor, adopts the orphaned resources and
// finalizes the session in two phases. Lock operations on affected
// resources wait at a barrier until the session completes.
package dlm
