package control

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// sendFD passes fd to the peer as SCM_RIGHTS ancillary data attached to a single zero byte.
// It must run on the goroutine that sends and receives frames on conn, between a request and its response.
func sendFD(conn *net.UnixConn, fd int) error {
	n, oobn, err := conn.WriteMsgUnix([]byte{0}, unix.UnixRights(fd), nil)
	if err != nil {
		return err
	}
	if n != 1 || oobn == 0 {
		return fmt.Errorf("sent %d bytes and %d bytes of ancillary data: %w", n, oobn, io.ErrShortWrite)
	}
	return nil
}
