// Package vpn provides the tunnel session lifecycle for the supervisor.
//
// This package ties the tunnel broker, the relay launcher and the
// command and status mailboxes into one lifecycle per session:
//
//   - Session: the state machine owning the tunnel handle and relay pid
//   - Supervisor: the liveness loop reporting relay exits
//   - Service: the command and open-URL loops driving a Session
//
// # Session Flow
//
// A typical session:
//
//  1. The control process writes "start:<port>" to the command mailbox
//  2. Service delivers it to Session.Start, which publishes "requesting"
//  3. The broker returns a tunnel handle, possibly after a consent prompt
//  4. Session publishes "establishing" and launches the relay with the
//     handle inherited
//  5. Session publishes "running" and the Supervisor starts polling
//
// Stop commands, revocation by the system and relay exits all end the
// session through the same cleanup, which terminates the relay and
// releases the handle once.
//
// # Status Tokens
//
// Status is modelled as a closed set of values and serialized to the
// status file as requesting, establishing, running, stopped, revoked,
// denied or error:<reason>.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package vpn
