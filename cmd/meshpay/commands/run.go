package commands

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshpay/internal/config"
	"meshpay/internal/engine"
	"meshpay/internal/metrics"
	"meshpay/internal/pprofutil"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/storage"
)

// peerEntry is one line of the static peer directory file. Keys are hex.
type peerEntry struct {
	ID           string `json:"id"`
	Addr         string `json:"addr"`
	SigningKey   string `json:"signing_key"`
	AgreementKey string `json:"agreement_key"`
	RSSI         int    `json:"rssi"`
}

func runCmd() *cobra.Command {
	var (
		deviceID    string
		listenAddr  string
		peersFile   string
		redisAddr   string
		metricsAddr string
		balance     int64
		minRSSI     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a payment node over QUIC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				return fmt.Errorf("--id is required")
			}
			cfg := config.FromEnv()

			fs, err := signer.NewFileSigner(filepath.Join(home, "keys"))
			if err != nil {
				return err
			}
			if _, err := fs.PublicKey(deviceID); err != nil {
				if _, err := fs.Generate(deviceID); err != nil {
					return fmt.Errorf("generating key for %q: %w", deviceID, err)
				}
				log.Info("generated signing key", zap.String("device", deviceID))
			}

			var store storage.Store
			if redisAddr != "" {
				store, err = storage.OpenRedis(redisAddr, "", 0, "meshpay:"+deviceID)
			} else {
				store, err = storage.OpenBolt(filepath.Join(home, "meshpay.db"))
			}
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			transport, err := radio.NewQUIC(deviceID, listenAddr, cfg.MaxFragmentBytes)
			if err != nil {
				return fmt.Errorf("starting transport: %w", err)
			}
			if peersFile != "" {
				if err := loadPeerDirectory(transport, peersFile); err != nil {
					return err
				}
			}

			mets := metrics.New()
			eng, err := engine.New(engine.Options{
				LocalID:        deviceID,
				Signer:         fs,
				Transport:      transport,
				Store:          store,
				Config:         cfg,
				Logger:         log,
				Metrics:        mets,
				ScanFilter:     radio.ScanFilter{MinRSSI: minRSSI},
				InitialBalance: balance,
			})
			if err != nil {
				return err
			}
			log.Info("node starting",
				zap.String("device", deviceID),
				zap.String("listen", listenAddr),
				zap.String("agreement_key", hex.EncodeToString(eng.AgreementPublicKey())))

			if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return transport.Serve(ctx) })
			g.Go(func() error { return eng.Run(ctx) })
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: mets.Handler()}
				g.Go(func() error {
					err := srv.ListenAndServe()
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-ctx.Done()
					shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutCtx)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&deviceID, "id", "", "device identifier")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9737", "UDP address to listen on")
	cmd.Flags().StringVar(&peersFile, "peers", "", "path to a JSON peer directory file")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address; defaults to a local bolt database")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	cmd.Flags().Int64Var(&balance, "balance", 0, "seed wallet balance when the store is empty")
	cmd.Flags().IntVar(&minRSSI, "min-rssi", -100, "ignore sightings weaker than this")
	return cmd
}

func loadPeerDirectory(t *radio.QUICTransport, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading peer directory: %w", err)
	}
	var entries []peerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing peer directory: %w", err)
	}
	for _, e := range entries {
		sk, err := hex.DecodeString(e.SigningKey)
		if err != nil {
			return fmt.Errorf("peer %s: bad signing key: %w", e.ID, err)
		}
		ak, err := hex.DecodeString(e.AgreementKey)
		if err != nil {
			return fmt.Errorf("peer %s: bad agreement key: %w", e.ID, err)
		}
		t.AddPeer(radio.Discovery{
			ID:           e.ID,
			Addr:         e.Addr,
			SigningKey:   sk,
			AgreementKey: ak,
			RSSI:         e.RSSI,
		})
	}
	return nil
}
