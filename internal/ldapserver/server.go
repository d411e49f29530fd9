package ldapserver

import (
	"crypto/tls"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jimlambrt/gldap"
	"github.com/rs/zerolog"

	"ctldap/internal/config"
	"ctldap/internal/site"
)

// Server wraps the LDAP listener with the routing mux and optional TLS.
type Server struct {
	srv  *gldap.Server
	addr string
	tls  *tls.Config
	log  zerolog.Logger
}

// New assembles the LDAP server for the given registry.
func New(cfg config.Global, registry *site.Registry, log zerolog.Logger) (*Server, error) {
	level := hclog.Warn
	if cfg.Debug {
		level = hclog.Debug
	}
	srv, err := gldap.NewServer(gldap.WithLogger(hclog.New(&hclog.LoggerOptions{
		Name:  "ldap",
		Level: level,
	})))
	if err != nil {
		return nil, fmt.Errorf("create ldap server: %w", err)
	}

	mux, err := gldap.NewMux()
	if err != nil {
		return nil, fmt.Errorf("create ldap mux: %w", err)
	}
	h := NewHandler(registry, log)
	if err := mux.Bind(h.Bind); err != nil {
		return nil, fmt.Errorf("register bind handler: %w", err)
	}
	if err := mux.Search(h.Search); err != nil {
		return nil, fmt.Errorf("register search handler: %w", err)
	}
	if err := mux.Unbind(h.Unbind); err != nil {
		return nil, fmt.Errorf("register unbind handler: %w", err)
	}
	if err := srv.Router(mux); err != nil {
		return nil, fmt.Errorf("attach ldap router: %w", err)
	}

	s := &Server{srv: srv, addr: cfg.Addr(), log: log}
	if cfg.LdapCertFilename != "" {
		cert, err := tls.LoadX509KeyPair(cfg.LdapCertFilename, cfg.LdapKeyFilename)
		if err != nil {
			return nil, fmt.Errorf("load ldaps key pair: %w", err)
		}
		s.tls = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s, nil
}

// Run listens and serves until Stop is called. It blocks.
func (s *Server) Run() error {
	opts := []gldap.Option{}
	if s.tls != nil {
		opts = append(opts, gldap.WithTLSConfig(s.tls))
		s.log.Info().Str("addr", s.addr).Msg("serving LDAPS")
	} else {
		s.log.Info().Str("addr", s.addr).Msg("serving LDAP")
	}
	return s.srv.Run(s.addr, opts...)
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	return s.srv.Stop()
}
