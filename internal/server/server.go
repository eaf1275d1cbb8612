// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/liveqio/liveq/internal/engine"
	"github.com/liveqio/liveq/internal/util/stopper"
)

// Server pairs the HTTP listener with the Engine it reports on. The
// HTTP side exposes metrics and health only; Select/Pause/Resume/End
// are reached by embedding the Engine directly into another process
// (§1 Deliberately out of scope: a wire-protocol server).
type Server struct {
	HTTP   *http.Server
	Engine *engine.Engine
}

// Serve starts s.HTTP, choosing between TLS and plaintext based on
// whether a TLS config was attached by New, and blocks until it
// returns.
func (s *Server) Serve() error {
	return Serve(s.HTTP)
}

// New constructs the HTTP server that exposes metrics and health for a
// running Engine.
func New(ctx *stopper.Context, cfg *Config, eng *engine.Engine) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}

	if cfg.GenerateSelfSigned {
		cert, err := selfSignedCert()
		if err != nil {
			return nil, errors.Wrap(err, "could not generate self-signed certificate")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSPrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "could not load TLS certificate")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx.Go(func() error {
		<-ctx.Stopping()
		return srv.Close()
	})

	return srv, nil
}

// Serve starts srv, choosing between TLS and plaintext based on
// whether a TLS config was attached by New.
func Serve(srv *http.Server) error {
	log.Infof("listening on %s", srv.Addr)
	if srv.TLSConfig != nil {
		err := srv.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
