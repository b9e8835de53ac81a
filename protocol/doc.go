/*
Package protocol implements the wire format of the OpenSSH control master ("mux") protocol, as spoken by a client.

Every message travels in a frame: a big-endian uint32 length followed by exactly that many payload bytes. Inside a frame,
integers are big-endian uint32s, booleans are uint32s (zero is false), and strings are a uint32 byte length followed by
UTF-8 bytes.

The connection starts with a Hello exchange in both directions. After that, the client sends Request messages and the
master sends Response messages. Each request carries a request id which the master copies into its reply. Two response
variants, ExitMessage and TtyAllocFail, carry no request id: they are notifications about a session and may arrive at
any time.

Decoding never reads past the bytes it was given. Failures are reported as *ParseError, which distinguishes input that
ended too early (ErrIncomplete) from input that is structurally invalid (ErrMalformed).

Packet reads and writes whole frames and reuses one scratch buffer across calls.
*/
package protocol
