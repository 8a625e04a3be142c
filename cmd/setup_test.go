package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/config"
)

func TestSetupAnswersApply(t *testing.T) {
	base := config.DefaultConfig()
	base.Providers.OpenAIAPIKey = "sk-existing"

	got := setupAnswers{
		storeDriver:  config.StorePostgres,
		storeDSN:     " postgres://u:p@db/mm ",
		spoolDriver:  config.SpoolRedis,
		redisAddr:    "127.0.0.1:6379",
		window:       "48h",
		anthropicKey: "sk-ant-new",
	}.apply(base)

	require.Equal(t, config.StorePostgres, got.Store.Driver)
	require.Equal(t, "postgres://u:p@db/mm", got.Store.DSN)
	require.Equal(t, base.Store.Path, got.Store.Path)
	require.Equal(t, config.SpoolRedis, got.Spool.Driver)
	require.Equal(t, "127.0.0.1:6379", got.Spool.RedisAddr)
	require.Equal(t, 48*time.Hour, got.Report.RecentWindow.Duration)
	require.Equal(t, "sk-existing", got.Providers.OpenAIAPIKey, "blank input keeps the old key")
	require.Equal(t, "sk-ant-new", got.Providers.AnthropicAPIKey)
	require.NoError(t, got.Validate())
}

func TestMaskDSN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"postgres://u:secret@db:5432/mm", "postgres://u:****@db:5432/mm"},
		{"postgres://u@db/mm", "postgres://u@db/mm"},
		{"host=db user=u", "host=db user=u"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, maskDSN(tt.in), tt.in)
	}
}

func TestMaskAPIKey(t *testing.T) {
	require.Equal(t, "", maskAPIKey(""))
	require.Equal(t, "****", maskAPIKey("abc"))
	require.Equal(t, "sk-a...", maskAPIKey("sk-abcdef"))
	require.Equal(t, "sk-proj-...wxyz", maskAPIKey("sk-proj-0123456789wxyz"))
}
