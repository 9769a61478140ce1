package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/placement/rpc/common"
)

const (
	frameHeaderSize = 20
	// maxFrameSize bounds the payload of a single frame
	maxFrameSize = 256 * 1024 * 1024
)

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: serviceID (uint64, big endian)
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, serviceID uint64, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], serviceID)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small a new one is allocated, so the returned data
// may or may not alias buf.
func readFrame(conn io.Reader, buf []byte) (serviceID uint64, requestID uint64, data []byte, err error) {
	if len(buf) < frameHeaderSize {
		buf = make([]byte, frameHeaderSize)
	}

	if _, err := io.ReadFull(conn, buf[:frameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}

	serviceID = binary.BigEndian.Uint64(buf[:8])
	requestID = binary.BigEndian.Uint64(buf[8:16])
	contentLength := binary.BigEndian.Uint32(buf[16:20])

	if contentLength == 0 {
		return serviceID, requestID, []byte{}, nil
	}
	if contentLength > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", contentLength)
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, nil, err
	}

	return serviceID, requestID, buf[:contentLength], nil
}

// applySocketOptions sets buffer sizes on any connection supporting them and
// the tcp options on tcp connections
func applySocketOptions(conn net.Conn, socket common.SocketConf, tcp *common.TCPConf) error {
	type bufferSetter interface {
		SetWriteBuffer(bytes int) error
		SetReadBuffer(bytes int) error
	}
	if bs, ok := conn.(bufferSetter); ok {
		if socket.WriteBufferSize > 0 {
			if err := bs.SetWriteBuffer(socket.WriteBufferSize); err != nil {
				return err
			}
		}
		if socket.ReadBufferSize > 0 {
			if err := bs.SetReadBuffer(socket.ReadBufferSize); err != nil {
				return err
			}
		}
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || tcp == nil {
		return nil
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(tcp.TCPNoDelay); err != nil {
		return err
	}
	if tcp.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(tcp.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}
	if tcp.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(tcp.TCPLingerSec); err != nil {
			return err
		}
	}
	return nil
}

// ApplyClientOptions applies the socket and tcp options of a client config
func ApplyClientOptions(conn net.Conn, config common.ClientConfig) error {
	return applySocketOptions(conn, config.Transport.SocketConf, &config.Transport.TCPConf)
}

// ApplyServerOptions applies the socket and tcp options of a server config
func ApplyServerOptions(conn net.Conn, config common.ServerConfig) error {
	return applySocketOptions(conn, config.Transport.SocketConf, &config.Transport.TCPConf)
}
