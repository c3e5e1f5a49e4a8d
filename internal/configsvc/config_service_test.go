package configsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testConfig struct {
	LogLevel string   `json:"logLevel"`
	Devices  []device `json:"devices"`
}

type device struct {
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
}

func TestLoadOrInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	def := testConfig{LogLevel: "info"}

	cfg, err := LoadOrInit(path, def)
	require.NoError(t, err)
	assert.Equal(t, def, cfg)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\ndevices:\n  - vendorId: 0x17ef\n    productId: 0x6009\n"), 0644))
	cfg, err = LoadOrInit(path, def)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []device{{VendorID: 0x17ef, ProductID: 0x6009}}, cfg.Devices)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: [\n"), 0644))
	_, err = LoadOrInit(path, def)
	assert.Error(t, err)
}

func TestRegisterReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: info\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := New(zap.NewNop(), WithDebounce(10*time.Millisecond))
	go svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("config service not ready")
	}

	changes := make(chan testConfig, 4)
	cfg, err := Register(svc, path, testConfig{}, func(cfg testConfig, err error) {
		if err == nil {
			changes <- cfg
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\n"), 0644))
	select {
	case cfg := <-changes:
		assert.Equal(t, "warn", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not delivered")
	}
}

func TestRegisterMissingFile(t *testing.T) {
	svc := New(zap.NewNop())
	_, err := Register(svc, filepath.Join(t.TempDir(), "missing.yml"), testConfig{}, func(testConfig, error) {})
	assert.Error(t, err)
}
