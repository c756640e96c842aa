package beef

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
)

// FilesystemBeefStorage keeps one file per txid under <base>/<first two hex chars>/.
type FilesystemBeefStorage struct {
	basePath string
	fallback BeefStorage
}

func NewFilesystemBeefStorage(basePath string, fallback BeefStorage) (*FilesystemBeefStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemBeefStorage{
		basePath: basePath,
		fallback: fallback,
	}, nil
}

func (f *FilesystemBeefStorage) getFilePath(txid *chainhash.Hash) string {
	txidStr := txid.String()
	return filepath.Join(f.basePath, txidStr[:2], txidStr+".beef")
}

func (f *FilesystemBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	beefBytes, err := os.ReadFile(f.getFilePath(txid))
	if errors.Is(err, os.ErrNotExist) {
		return loadFromFallback(ctx, f.fallback, txid, f.put)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read beef file: %w", err)
	}
	return beefBytes, nil
}

func (f *FilesystemBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := f.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if f.fallback != nil {
		return f.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

// put writes through a temp file so readers never observe a partial BEEF.
func (f *FilesystemBeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	filePath := f.getFilePath(txid)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := filePath + ".tmp"
	if err := os.WriteFile(tempFile, beefBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (f *FilesystemBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return refreshFromFallback(ctx, f.fallback, txid, ct, f.put)
}

func (f *FilesystemBeefStorage) Close() error {
	return closeFallback(f.fallback)
}
