/*
Package child drains the stdout and stderr of an already-spawned child process and waits for it to exit, producing one composite Result.

Each stream has its own Policy. The launcher that spawns the child and the coordinator must agree on the policy per stream before spawn time, since it decides whether a pipe exists at all:

  - Discard: the stream is not connected, nothing is read.
  - ForwardOnly: the launcher wires the stream straight to the parent's stream, nothing is read.
  - CaptureOnly: the stream is read to EOF and buffered.
  - CaptureAndForward: the stream is read to EOF, buffered, and echoed live to a sink (the shared Console by default).

The stdout drain, the stderr drain and the exit wait always run concurrently. Reading one stream to completion before the other deadlocks as soon as the child fills the pipe buffer of the stream that is not being read.

Await does not take a context. Callers needing a deadline must kill the process themselves and still let Await return, so the pipes get drained and the child reaped; package launch does this.
*/
package child
