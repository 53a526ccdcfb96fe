// timeoutio.go - Gepufferte Verbindungs-I/O mit Deadlines
//
// Enthaelt:
// - timeoutReader: bufio.Reader, Deadline nur wenn aus dem Netz gelesen wird
// - timeoutWriter: bufio.Writer, Deadline nur wenn geflusht wird
//
// Ein Timeout von 0 setzt keine Deadline.
package tcp

import (
	"bufio"
	"net"
	"time"
)

const chunkSize = 64 * 1024

type timeoutReader struct {
	timeout time.Duration
	reader  *bufio.Reader
	conn    net.Conn
}

func newTimeoutReader(conn net.Conn, timeout time.Duration) *timeoutReader {
	return &timeoutReader{
		timeout: timeout,
		reader:  bufio.NewReaderSize(conn, chunkSize),
		conn:    conn,
	}
}

func (r *timeoutReader) deadline() func() {
	if r.timeout <= 0 || r.reader.Buffered() > 0 {
		return func() {}
	}
	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return func() { r.conn.SetReadDeadline(time.Time{}) }
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	defer r.deadline()()
	return r.reader.Read(p)
}

func (r *timeoutReader) ReadByte() (byte, error) {
	defer r.deadline()()
	return r.reader.ReadByte()
}

// wait blocks without a deadline until at least one byte is buffered. A
// ring may sit idle between exchanges for as long as the caller computes.
func (r *timeoutReader) wait() error {
	_, err := r.reader.Peek(1)
	return err
}

type timeoutWriter struct {
	timeout time.Duration
	writer  *bufio.Writer
	conn    net.Conn
}

func newTimeoutWriter(conn net.Conn, timeout time.Duration) *timeoutWriter {
	return &timeoutWriter{
		timeout: timeout,
		writer:  bufio.NewWriterSize(conn, chunkSize),
		conn:    conn,
	}
}

func (w *timeoutWriter) deadline(flushes bool) func() {
	if w.timeout <= 0 || !flushes {
		return func() {}
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return func() { w.conn.SetWriteDeadline(time.Time{}) }
}

func (w *timeoutWriter) Write(p []byte) (int, error) {
	// a write larger than the free buffer flushes
	defer w.deadline(len(p) > w.writer.Available())()
	return w.writer.Write(p)
}

func (w *timeoutWriter) WriteByte(c byte) error {
	defer w.deadline(w.writer.Available() <= 0)()
	return w.writer.WriteByte(c)
}

func (w *timeoutWriter) Flush() error {
	defer w.deadline(true)()
	return w.writer.Flush()
}
