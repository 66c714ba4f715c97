package hub

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Server accepts hub connections and runs one session per socket.
type Server struct {
	listener net.Listener
	handler  Handler
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func Listen(address string, handler Handler, log zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		handler:  handler,
		log:      log,
		sessions: map[string]*Session{},
	}, nil
}

func (srv *Server) Address() net.Addr {
	return srv.listener.Addr()
}

// Run accepts connections until the context is cancelled or the
// listener fails.
func (srv *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	srv.log.Info().Str("address", srv.listener.Addr().String()).Msg("accepting hub connections")

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		session := NewSession(conn, srv.handler, srv.log)

		srv.mu.Lock()
		srv.sessions[session.ID()] = session
		srv.mu.Unlock()

		go func() {
			session.Serve(ctx)

			srv.mu.Lock()
			delete(srv.sessions, session.ID())
			srv.mu.Unlock()
		}()
	}
}

func (srv *Server) Shutdown() {
	srv.listener.Close()

	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, session := range srv.sessions {
		sessions = append(sessions, session)
	}
	srv.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
