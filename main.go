// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ttbt-io/dugout/backend"
)

var (
	addr          = flag.String("addr", ":8080", "The TCP address to listen to")
	debugMode     = flag.Bool("debug", false, "Enable debug mode")
	dataDir       = flag.String("data-dir", "data", "Directory for sheet data")
	tlsCert       = flag.String("tls-cert", "", "Path to HTTP TLS certificate")
	tlsKey        = flag.String("tls-key", "", "Path to HTTP TLS key")
	raftEnabled   = flag.Bool("raft", false, "Enable Raft replication")
	raftBind      = flag.String("raft-bind", ":8081", "Address for Raft TCP transport")
	raftAdvertise = flag.String("raft-advertise", "", "Public address for Raft traffic (REQUIRED with -raft)")
	httpAdvertise = flag.String("http-advertise", "", "Base URL other nodes use to reach this node's API (REQUIRED with -raft)")
	raftSecret    = flag.String("raft-secret", "", "Shared secret for cluster authentication")
	raftBootstrap = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	raftJoin      = flag.String("raft-join", "", "HTTP address of a cluster member to join")
	statsDriver   = flag.String("stats-driver", "", "Season stats database driver: sqlite or postgres (empty disables)")
	statsDSN      = flag.String("stats-dsn", "", "Season stats database DSN (default: <data-dir>/stats.db for sqlite)")
	redisAddr     = flag.String("redis-addr", "", "Redis address for the sheet update stream (empty disables)")
	corsOrigins   = flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	rateLimit     = flag.Float64("rate-limit", 20, "Write requests per second per client (0 disables)")
	maxInnings    = flag.Int("max-innings", 7, "Innings of a new sheet")
	numPlayers    = flag.Int("num-players", 9, "Batting order length of a new sheet")
)

// main starts the web server and registers the API handlers.
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}
	flag.Parse()

	if *raftEnabled {
		if *raftAdvertise == "" {
			log.Fatal("--raft-advertise is required when Raft is enabled")
		}
		if *httpAdvertise == "" {
			log.Fatal("--http-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			*raftSecret = os.Getenv("SK_RAFT_SECRET")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
	}

	var cert *tls.Certificate
	if *tlsCert != "" && *tlsKey != "" {
		c, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load TLS cert/key: %v", err)
		}
		cert = &c
	}

	masterKey := loadMasterKey(*dataDir)
	store := storage.New(*dataDir, masterKey)
	store.EnableCompression(true)

	var stats *backend.StatsIndex
	if *statsDriver != "" {
		dsn := *statsDSN
		if dsn == "" && *statsDriver == "sqlite" {
			dsn = filepath.Join(*dataDir, "stats.db")
		}
		var err error
		if stats, err = backend.NewStatsIndex(*statsDriver, dsn); err != nil {
			log.Fatalf("Failed to open stats index: %v", err)
		}
		defer stats.Close()
	}

	var publisher *backend.UpdatePublisher
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: redis at %s is not reachable yet: %v", *redisAddr, err)
		}
		cancel()
		publisher = backend.NewUpdatePublisher(client)
		defer publisher.Close()
	}

	var origins []string
	for _, o := range strings.Split(*corsOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	server, err := backend.StartServer(backend.Options{
		Addr:                  *addr,
		Cert:                  cert,
		DataDir:               *dataDir,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		Stats:                 stats,
		Publisher:             publisher,
		DefaultInnings:        *maxInnings,
		DefaultPlayers:        *numPlayers,
		CORSOrigins:           origins,
		RateLimit:             *rateLimit,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		RaftSecret:            *raftSecret,
		RaftBootstrap:         *raftBootstrap,
		RaftJoin:              *raftJoin,
		HTTPAdvertise:         *httpAdvertise,
		UseProductionTimeouts: true,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}

// loadMasterKey opens or creates the at-rest encryption key protected by
// SK_MASTER_KEY. It returns nil when no passphrase is set.
func loadMasterKey(dir string) crypto.MasterKey {
	keyFile := filepath.Join(dir, "master.key")
	passphrase := os.Getenv("SK_MASTER_KEY")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but SK_MASTER_KEY is not set. Refusing to start in unencrypted mode.", keyFile)
		}
		log.Println("Warning: No SK_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err == nil {
		log.Println("Loaded master encryption key.")
		return masterKey
	}
	if !os.IsNotExist(err) {
		log.Fatalf("Failed to read master key: %v", err)
	}
	log.Println("Initializing new master encryption key...")
	if masterKey, err = crypto.CreateMasterKey(); err != nil {
		log.Fatalf("Failed to create master key: %v", err)
	}
	if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
		log.Fatalf("Failed to save master key: %v", err)
	}
	return masterKey
}
