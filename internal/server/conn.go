package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/relay"
)

// serveConn runs one TCP connection: the writer on its own goroutine, the
// reader on this one. The session is unregistered before the connection
// closes.
func (s *Server) serveConn(ctx context.Context, c net.Conn, sess *relay.Session) {
	log := sess.Logger()
	log.Debug().Msg("connection opened")

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(c, sess)
	}()

	s.readPump(ctx, c, sess)
	s.router.Disconnect(ctx, sess)
	<-written
	_ = c.Close()

	log = sess.Logger()
	log.Debug().Msg("connection closed")
}

// readPump decodes frames until the peer goes away, idles past the read
// timeout, or the session is closed.
func (s *Server) readPump(ctx context.Context, c net.Conn, sess *relay.Session) {
	br := bufio.NewReader(c)
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		m, err := protocol.ReadFrame(br)
		if err != nil {
			if _, ok := protocol.RejectedID(err); ok {
				s.router.Reject(sess, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !sess.Closed() {
				log := sess.Logger()
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.router.Handle(ctx, sess, m)
		if sess.Closed() {
			return
		}
	}
}

// writePump drains the session's outbound queue. Once the session is
// closed it flushes what is already queued and closes the connection,
// which also unblocks the reader.
func (s *Server) writePump(c net.Conn, sess *relay.Session) {
	defer c.Close()
	bw := bufio.NewWriter(c)

	for {
		select {
		case m := <-sess.Outbound():
			if err := s.writeQueued(c, bw, sess, m); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			_ = s.writeQueued(c, bw, sess, nil)
			return
		}
	}
}

// writeQueued writes first (if any) plus everything already queued, then
// flushes.
func (s *Server) writeQueued(c net.Conn, bw *bufio.Writer, sess *relay.Session, first *protocol.Message) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if first != nil {
		if err := s.writeFrame(bw, sess, first); err != nil {
			return err
		}
	}
	for {
		select {
		case m := <-sess.Outbound():
			if err := s.writeFrame(bw, sess, m); err != nil {
				return err
			}
		default:
			return bw.Flush()
		}
	}
}

func (s *Server) writeFrame(bw *bufio.Writer, sess *relay.Session, m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		// the frame is dropped, the connection survives
		log := sess.Logger()
		log.Error().Err(err).Str("message", m.String()).Msg("frame not written")
		return nil
	}
	_, err = bw.Write(data)
	return err
}
