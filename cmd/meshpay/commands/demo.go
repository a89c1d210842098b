package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshpay/internal/config"
	"meshpay/internal/engine"
	"meshpay/internal/lifecycle"
	"meshpay/internal/payment"
	"meshpay/internal/radio"
	"meshpay/internal/signer"
	"meshpay/internal/storage"
)

// demoCmd runs two in-memory nodes through a complete payment so the whole
// stack can be exercised without radios or a second machine.
func demoCmd() *cobra.Command {
	var amount int64

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a two-node payment end to end in memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			hub := radio.NewHub(cfg.MaxFragmentBytes)

			alice, err := demoNode(hub, cfg, "alice", 100)
			if err != nil {
				return err
			}
			bob, err := demoNode(hub, cfg, "bob", 0)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan error, 2)
			go func() { done <- alice.Run(ctx) }()
			go func() { done <- bob.Run(ctx) }()

			if err := waitUntil(5*time.Second, func() bool {
				d, err := alice.Registry.Get("bob")
				return err == nil && len(d.AgreementKey) > 0
			}); err != nil {
				return fmt.Errorf("discovery: %w", err)
			}
			if err := alice.Connect(ctx, "bob"); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if err := waitUntil(5*time.Second, func() bool {
				return bob.Links.State("alice") == lifecycle.StateAuthenticated
			}); err != nil {
				return fmt.Errorf("authenticate: %w", err)
			}
			fmt.Println("alice and bob connected")

			sess, err := alice.Pay("bob", amount, "EUR", "demo payment")
			if err != nil {
				return fmt.Errorf("pay: %w", err)
			}
			fmt.Printf("alice requested payment of %d EUR (session %s)\n", amount, sess.ID)

			if err := waitUntil(5*time.Second, func() bool {
				got, err := bob.Payments.Get(sess.ID)
				return err == nil && got.Status == payment.StatusPending
			}); err != nil {
				return fmt.Errorf("request never reached bob: %w", err)
			}
			if err := bob.Payments.Respond(sess.ID, true, ""); err != nil {
				return fmt.Errorf("respond: %w", err)
			}
			fmt.Println("bob accepted")

			if err := waitUntil(5*time.Second, func() bool {
				got, err := alice.Payments.Get(sess.ID)
				return err == nil && got.Status == payment.StatusCompleted
			}); err != nil {
				return fmt.Errorf("payment never completed: %w", err)
			}
			fmt.Printf("payment complete: alice=%d bob=%d\n", alice.Balance(), bob.Balance())

			cancel()
			<-done
			<-done
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 40, "amount to transfer")
	return cmd
}

func demoNode(hub *radio.Hub, cfg config.Config, id string, balance int64) (*engine.Engine, error) {
	sig := signer.NewMemorySigner()
	pub, err := sig.Generate(id)
	if err != nil {
		return nil, err
	}
	transport := hub.Join(radio.Discovery{ID: id, SigningKey: pub, RSSI: -50})
	e, err := engine.New(engine.Options{
		LocalID:        id,
		Signer:         sig,
		Transport:      transport,
		Store:          storage.NewMemory(),
		Config:         cfg,
		Logger:         log,
		InitialBalance: balance,
	})
	if err != nil {
		return nil, err
	}
	hub.Announce(radio.Discovery{
		ID:           id,
		SigningKey:   pub,
		AgreementKey: e.AgreementPublicKey(),
		RSSI:         -50,
	})
	return e, nil
}

func waitUntil(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
