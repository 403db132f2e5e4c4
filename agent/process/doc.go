/*
Package process provides a client and server for a remote process runner over WebSockets. The client streams stdin to the server; the server drains the child's stdout and stderr with a child.Coordinator and streams them back.

Processes are scoped to the WebSocket connection: if the connection dies for any reason, the process and its process group are killed.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends a request message whose Req field holds the command, args, env, working dir and one policy per output stream.
3. While the process runs, the client sends stdin chunks and the server sends a chunk for every read of a CaptureAndForward stream, as it happens.
4. Once the process exited and both streams were drained, the server sends the captured bytes of every capture stream in Captured chunks.
5. The server sends a final message with Result set and closes the connection.

Policies are applied on the server: ForwardOnly writes to the agent's own stdio, not to the client.
*/
package process
