package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"

	"github.com/b-open-io/wallet-monitor/beef"
	"github.com/b-open-io/wallet-monitor/headers"
	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/queue"
	"github.com/b-open-io/wallet-monitor/storage"
)

// ChainService is a chain tip source that also validates merkle roots.
type ChainService interface {
	headers.ChainTipSource
	chaintracker.ChainTracker
}

// Services are the long-lived components built from a Config.
type Services struct {
	Wallet  storage.WalletStorage
	Backups []storage.WalletStorage
	Beef    beef.BeefStorage
	Queue   queue.QueueStorage
	PubSub  pubsub.PubSub
	Chain   ChainService
	// Headers is set when the chain source is a block-headers-service and
	// keeps the merkle root cache the header processor refreshes.
	Headers *headers.Client

	closers []io.Closer
}

// Build creates every component. Anything already opened is closed again
// when a later component fails.
func (c *Config) Build() (_ *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if c.ChaintracksURL != "" {
		s.Chain = headers.NewChaintracksSource(c.ChaintracksURL)
	} else {
		s.Headers = headers.NewClient(headers.ClientParams{Url: c.BlockHeadersURL, ApiKey: c.BlockHeadersAPIKey})
		s.Chain = s.Headers
	}

	if s.Wallet, err = storage.CreateWalletStorage(c.WalletStorage, c.StorageIdentity); err != nil {
		return nil, fmt.Errorf("failed to create wallet storage: %w", err)
	}
	s.closers = append(s.closers, s.Wallet)

	for _, conn := range c.BackupStorages {
		backup, err := storage.CreateWalletStorage(conn, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create backup storage: %w", err)
		}
		s.closers = append(s.closers, backup)
		s.Backups = append(s.Backups, backup)
	}

	stack, err := beef.CreateBeefStorage(c.BeefStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to create BEEF storage: %w", err)
	}
	s.Beef = beef.NewValidatingBeefStorage(stack, s.Chain)
	s.closers = append(s.closers, s.Beef)

	if s.Queue, err = queue.CreateQueueStorage(c.QueueStorage); err != nil {
		return nil, fmt.Errorf("failed to create queue storage: %w", err)
	}
	s.closers = append(s.closers, s.Queue)

	if s.PubSub, err = pubsub.CreatePubSub(c.PubSubURL); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.PubSub)

	return s, nil
}

// Close releases the components in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
