package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/stats"
	"github.com/deemkeen/anancus/store"
	"github.com/deemkeen/anancus/util"
	"github.com/deemkeen/anancus/web"
)

const shutdownTimeout = 30 * time.Second

// App owns the server's storage handles, background workers, and the HTTP
// listener.
type App struct {
	config     *util.AppConfig
	kv         *db.DB
	blobs      *store.Store
	quarantine *store.Store
	httpServer *http.Server
	stopWorker context.CancelFunc
	done       chan os.Signal
}

// New creates an App for the given configuration.
func New(conf *util.AppConfig) *App {
	return &App{
		config: conf,
		done:   make(chan os.Signal, 1),
	}
}

// dataPath places a data file under the configured data directory, falling
// back to the per-user config dir.
func dataPath(conf *util.AppConfig, name string) string {
	if dir := conf.Conf.DataDir; dir != "" {
		return filepath.Join(dir, name)
	}
	return util.ResolveFilePath(name)
}

// Initialize opens the table and both blob buckets and assembles the HTTP
// server. It does not start anything.
func (a *App) Initialize() error {
	kv, err := db.Open(dataPath(a.config, "anancus.db"))
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	a.kv = kv

	blobs, err := store.Open(dataPath(a.config, "blobs.db"))
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	a.blobs = blobs

	quarantine, err := store.Open(dataPath(a.config, "quarantine.db"))
	if err != nil {
		return fmt.Errorf("failed to open quarantine store: %w", err)
	}
	a.quarantine = quarantine

	users := db.NewUserTable(kv)
	objects := db.NewObjectTable(kv)
	client := activitypub.NewDefaultHTTPClient(30 * time.Second)

	inbox := &activitypub.Inbox{
		Users:      users,
		Objects:    objects,
		Blobs:      blobs,
		Quarantine: quarantine,
		Client:     client,
		Domain:     a.config.Conf.SslDomain,
	}

	server := &web.Server{
		Conf:    a.config,
		Users:   users,
		Objects: objects,
		Blobs:   blobs,
		Params:  blobs,
		Inbox:   inbox,
	}

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.config.Conf.Host, a.config.Conf.HttpPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Start launches the background workers and the HTTP server, then blocks
// until a shutdown signal arrives.
func (a *App) Start() error {
	workerCtx, cancel := context.WithCancel(context.Background())
	a.stopWorker = cancel

	stats.StartWorker(workerCtx, a.kv)

	outbox := &activitypub.Outbox{
		Users:   db.NewUserTable(a.kv),
		Objects: db.NewObjectTable(a.kv),
		Blobs:   a.blobs,
		Params:  a.blobs,
		Client:  activitypub.NewDefaultHTTPClient(30 * time.Second),
		Domain:  a.config.Conf.SslDomain,
	}
	outbox.StartDeliveryWorker(workerCtx)

	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("App: HTTP server listening on %s", a.httpServer.Addr)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("App: HTTP server error: %v", err)
		}
	}()

	<-a.done
	log.Println("App: shutdown signal received")
	return a.Shutdown()
}

// Shutdown drains the HTTP server, stops the workers, and closes storage.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("App: HTTP server shutdown error: %v", err)
		shutdownErr = err
	}

	if a.stopWorker != nil {
		a.stopWorker()
	}

	// flush the change feed so counters survive the restart
	if err := stats.DrainOnce(ctx, a.kv); err != nil {
		log.Printf("App: final stats drain failed: %v", err)
	}

	for _, closer := range []interface{ Close() error }{a.quarantine, a.blobs, a.kv} {
		if err := closer.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	log.Println("App: stopped")
	return shutdownErr
}

// ErrUserExists is returned when provisioning an already known username.
var ErrUserExists = errors.New("user already exists")

// AddUser provisions a local account: the user record, a fresh 4096-bit
// signing key pair, and the outbox bearer token. It returns the token,
// which is shown exactly once.
func AddUser(ctx context.Context, conf *util.AppConfig, username string) (string, error) {
	if valid, reason := util.IsValidWebFingerUsername(username); !valid {
		return "", fmt.Errorf("invalid username %q: %s", username, reason)
	}

	kv, err := db.Open(dataPath(conf, "anancus.db"))
	if err != nil {
		return "", fmt.Errorf("failed to open table: %w", err)
	}
	defer kv.Close()

	blobs, err := store.Open(dataPath(conf, "blobs.db"))
	if err != nil {
		return "", fmt.Errorf("failed to open blob store: %w", err)
	}
	defer blobs.Close()

	users := db.NewUserTable(kv)
	if _, err := users.FindUserByUsername(ctx, username); err == nil {
		return "", fmt.Errorf("%w: %s", ErrUserExists, username)
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	if conf.Conf.Single {
		count, err := users.CountAccounts(ctx)
		if err != nil {
			return "", err
		}
		if count > 0 {
			return "", errors.New("single-user mode: an account already exists")
		}
	}

	keys := util.GeneratePemKeypair()
	now := time.Now().UTC()
	user := &domain.User{
		Username:       username,
		PublicKeyPem:   keys.Public,
		PrivateKeyPath: store.PrivateKeyParameter(username),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := users.PutUser(ctx, user); err != nil {
		return "", fmt.Errorf("failed to store user: %w", err)
	}

	if err := blobs.PutParameter(ctx, store.PrivateKeyParameter(username), keys.Private, true); err != nil {
		return "", fmt.Errorf("failed to store private key: %w", err)
	}

	token := ids.NewUniquePart()
	if err := blobs.PutParameter(ctx, store.OutboxTokenParameter(username), token, true); err != nil {
		return "", fmt.Errorf("failed to store outbox token: %w", err)
	}

	log.Printf("App: provisioned user %s", username)
	return token, nil
}
