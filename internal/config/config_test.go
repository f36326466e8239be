package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.OfferWindow)
	assert.Equal(t, 5*time.Minute, cfg.OrderRemovalGrace)
	assert.Equal(t, 0.15, cfg.CommissionRate)
}

func TestEnvOverridesAndErrors(t *testing.T) {
	t.Setenv("OFFER_WINDOW", "15s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCH_RADIUS_KM", "abc")
	t.Setenv("COMMISSION_RATE", "1.5")

	cfg, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCH_RADIUS_KM")
	assert.Contains(t, err.Error(), "COMMISSION_RATE")
	assert.Equal(t, 15*time.Second, cfg.OfferWindow)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestEnvFileIsOptional(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROOF_BUCKET=proofs-test\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PROOF_BUCKET") })

	cfg, err := LoadServerConfig(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, "proofs-test", cfg.ProofBucket)
}

func TestConsumerConfigFallsBackToSingleBroker(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "kafka:9092")
	t.Setenv("KAFKA_GROUP", "geo-mirror")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "geo-mirror", cfg.KafkaGroup)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
}
