package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cryptofiat/native/peg"
)

func TestLoadYAML(t *testing.T) {
	cfg, err := Load("testdata/pegd.yaml", WithAllowInsecureBearerWithoutTLS())
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "s3cret", cfg.Admin.BearerToken)
	require.Equal(t, peg.PolicyProportional, cfg.Engine.RebalancePolicy)
	require.Equal(t, uint8(18), *cfg.Engine.NativeDecimals)
	require.Equal(t, uint64(50), *cfg.Engine.BufferFeeBps)
	require.Equal(t, 45*time.Second, cfg.Investors.ClockSkew.Duration)
	require.Equal(t, "PEGD_JWT_SECRET", cfg.Investors.JWTSecretEnv)
	require.Equal(t, time.Hour, cfg.Policy.Window.Duration)
	require.Equal(t, "default", cfg.Policy.ID)
	require.Equal(t, 4, cfg.RateLimit.Burst)

	rates, err := cfg.Engine.EngineRates()
	require.NoError(t, err)
	require.Equal(t, map[peg.Currency]int64{peg.USD: 25000, peg.EUR: 21000}, rates)
	require.Equal(t, "100000000000000000000", Limit(cfg.Policy.BuyLimit).Dec())
	require.Nil(t, Limit(cfg.Policy.SellLimit))
}

func TestLoadYAMLRequiresTLSForBearer(t *testing.T) {
	_, err := Load("testdata/pegd.yaml")
	require.EqualError(t, err, "admin bearer_token requires TLS to be enabled")
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load("testdata/pegd.toml")
	require.NoError(t, err)
	require.Equal(t, ":9191", cfg.ListenAddress)
	require.Equal(t, uint8(0), *cfg.Engine.NativeDecimals)
	require.Equal(t, uint64(25), *cfg.Engine.BufferFeeBps)
	require.Equal(t, uint64(75), *cfg.Engine.DividendFeeBps)
	require.Equal(t, 30*time.Minute, cfg.Policy.Window.Duration)
	require.Equal(t, peg.PolicyBackingDelta, cfg.Engine.RebalancePolicy)
	require.Equal(t, uint64(5000), Limit(cfg.Policy.SellLimit).Uint64())
}

func TestLoadRejectsInvalidEngine(t *testing.T) {
	cases := map[string]string{
		"bad administrator": "engine:\n  administrator: nope\nadmin:\n  mtls:\n    enabled: true\n    client_ca: ca.pem\n  tls:\n    cert: c\n    key: k\n",
		"bad rate":          "engine:\n  administrator: \"0x00000000000000000000000000000000000000a1\"\n  rates:\n    USD: 0\nadmin:\n  mtls:\n    enabled: true\n    client_ca: ca.pem\n  tls:\n    cert: c\n    key: k\n",
		"bad currency":      "engine:\n  administrator: \"0x00000000000000000000000000000000000000a1\"\n  rates:\n    GBP: 10\nadmin:\n  mtls:\n    enabled: true\n    client_ca: ca.pem\n  tls:\n    cert: c\n    key: k\n",
		"bad policy":        "engine:\n  administrator: \"0x00000000000000000000000000000000000000a1\"\n  rebalance_policy: magic\nadmin:\n  mtls:\n    enabled: true\n    client_ca: ca.pem\n  tls:\n    cert: c\n    key: k\n",
		"unknown field":     "engine:\n  administrator: \"0x00000000000000000000000000000000000000a1\"\n  colour: blue\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pegd.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestAdminConfigNormaliseRequiresClientCAForMTLS(t *testing.T) {
	cfg := AdminConfig{
		MTLS: MTLSConfig{Enabled: true},
		TLS:  AdminTLSConfig{CertPath: "cert.pem", KeyPath: "key.pem"},
	}
	err := cfg.normalise(false)
	require.EqualError(t, err, "mtls.client_ca must be configured when mTLS is enabled")
}

func TestAdminConfigNormaliseAllowsMTLSWithClientCA(t *testing.T) {
	cfg := AdminConfig{
		MTLS: MTLSConfig{Enabled: true, ClientCAPath: " ca.pem "},
		TLS:  AdminTLSConfig{CertPath: "cert.pem", KeyPath: "key.pem"},
	}
	require.NoError(t, cfg.normalise(false))
	require.Equal(t, "ca.pem", cfg.MTLS.ClientCAPath)
}

func TestAdminConfigNormaliseRequiresSomeAuth(t *testing.T) {
	cfg := AdminConfig{TLS: AdminTLSConfig{Disable: true}}
	require.Error(t, cfg.normalise(true))
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load("../config.yaml")
	require.NoError(t, err)
	require.True(t, cfg.Admin.MTLS.Enabled)
	require.Equal(t, []string{"pegd-operator"}, cfg.Admin.MTLS.AllowedSubjects)
	require.Equal(t, "PEGD_JWT_SECRET", cfg.Investors.JWTSecretEnv)
	require.Nil(t, Limit(cfg.Policy.BuyLimit))
	rates, err := cfg.Engine.EngineRates()
	require.NoError(t, err)
	require.Len(t, rates, 2)
}
