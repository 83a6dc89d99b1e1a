package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds the agent's TLS material.
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// LoadMTLSConfig reads TLS settings from the environment.
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("ROLLOUT_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("ROLLOUT_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("ROLLOUT_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("ROLLOUT_AGENT_REQUIRE_MTLS") == "true",
	}
}

func (s *Server) ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required when mTLS is enforced")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a client certificate when
// requireAuth is set and tags the request with the certificate subject.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var peers []*x509.Certificate
			if r.TLS != nil {
				peers = r.TLS.PeerCertificates
			}
			if requireAuth && len(peers) == 0 {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}
			if len(peers) > 0 {
				r.Header.Set("X-Client-Subject", peers[0].Subject.String())
				r.Header.Set("X-Client-Serial", peers[0].SerialNumber.String())
				log.Debug().Str("subject", peers[0].Subject.String()).Msg("mTLS client authenticated")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := s.ConfigureTLS(config)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Bool("mtls_required", config.RequireAuth).Msg("Starting agent with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
