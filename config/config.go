package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

// Config es la configuración completa del bot.
type Config struct {
	Collections []CollectionConfig `yaml:"collections"`
	Identities  IdentitiesConfig   `yaml:"identities"`
	Pacer       PacerConfig        `yaml:"pacer"`
	API         APIConfig          `yaml:"api"`
	Feed        FeedConfig         `yaml:"feed"`
	Signer      SignerConfig       `yaml:"signer"`
	Storage     StorageConfig      `yaml:"storage"`
	Log         LogConfig          `yaml:"log"`
}

// CollectionConfig es la entrada YAML de una colección vigilada.
type CollectionConfig struct {
	Symbol               string         `yaml:"symbol"`
	MinBid               int64          `yaml:"min_bid"`       // sats
	MaxBid               int64          `yaml:"max_bid"`       // sats
	MinFloorBid          int            `yaml:"min_floor_bid"` // % del floor
	MaxFloorBid          int            `yaml:"max_floor_bid"` // % del floor
	OfferType            string         `yaml:"offer_type"`    // ITEM | COLLECTION
	BidCount             int            `yaml:"bid_count"`
	DurationMinutes      int            `yaml:"duration_minutes"`
	ScheduledLoopSeconds int            `yaml:"scheduled_loop_seconds"`
	EnableCounterBidding bool           `yaml:"enable_counter_bidding"`
	OutBidMargin         int64          `yaml:"out_bid_margin"` // sats
	Quantity             int            `yaml:"quantity"`
	FeeRate              int64          `yaml:"fee_rate"`
	WalletGroup          string         `yaml:"wallet_group"`
	Traits               []domain.Trait `yaml:"traits"`
}

// IdentitiesConfig define las wallets de puja y sus grupos.
type IdentitiesConfig struct {
	// RotationEnabled activa el pool rotatorio; si es false se usa la
	// identidad default y el pacer global manda.
	RotationEnabled bool             `yaml:"rotation_enabled"`
	BidsPerMinute   int              `yaml:"bids_per_minute"` // cap por identidad
	Groups          []IdentityGroup  `yaml:"groups"`
	Default         IdentityEntry    `yaml:"default"`
}

// IdentityGroup agrupa identidades con un cap propio.
type IdentityGroup struct {
	Name          string          `yaml:"name"`
	BidsPerMinute int             `yaml:"bids_per_minute"`
	Wallets       []IdentityEntry `yaml:"wallets"`
}

// IdentityEntry es una wallet de firma. KeyEnv apunta a la variable de
// entorno con el material de firma; nunca se pone la key en el YAML.
type IdentityEntry struct {
	Label          string `yaml:"label"`
	KeyEnv         string `yaml:"key_env"`
	PaymentAddress string `yaml:"payment_address"`
	ReceiveAddress string `yaml:"receive_address"`
}

// PacerConfig controla la ventana global de admisión de pujas.
type PacerConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxPerWindow  int `yaml:"max_per_window"`
}

// APIConfig contiene el base URL y credenciales del marketplace.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Key     string `yaml:"key"` // normalmente via MARKETPLACE_API_KEY
}

// FeedConfig contiene el endpoint del feed websocket.
type FeedConfig struct {
	URL string `yaml:"url"`
}

// SignerConfig apunta al daemon local de firma de PSBTs. Las keys nunca
// tocan este proceso más allá del handle que el daemon resuelve.
type SignerConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN         string `yaml:"dsn"`          // sqlite del journal, o ":memory:"
	HistoryPath string `yaml:"history_path"` // snapshot JSON del bid history
	StatsPath   string `yaml:"stats_path"`   // snapshot JSON de stats
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`   // si no está vacío, log rotado a fichero
}

// Load carga la configuración desde el archivo YAML y el archivo .env si
// existe. Los valores del .env sobreescriben los del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate comprueba los invariantes de arranque. Falla cerrado: un engine
// nunca arranca con configuración ambigua.
func (c *Config) Validate() error {
	if len(c.Collections) == 0 {
		return fmt.Errorf("config: no collections configured")
	}

	groups := make(map[string]bool, len(c.Identities.Groups))
	for _, g := range c.Identities.Groups {
		if g.Name == "" {
			return fmt.Errorf("config: identity group with empty name")
		}
		if groups[g.Name] {
			return fmt.Errorf("config: duplicate identity group %q", g.Name)
		}
		if len(g.Wallets) == 0 {
			return fmt.Errorf("config: identity group %q has no wallets", g.Name)
		}
		groups[g.Name] = true
	}

	seen := make(map[string]bool, len(c.Collections))
	for _, cc := range c.Collections {
		dc := cc.ToDomain()
		if err := dc.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if seen[cc.Symbol] {
			return fmt.Errorf("config: duplicate collection %q", cc.Symbol)
		}
		seen[cc.Symbol] = true

		// Todo grupo referenciado debe existir; con rotación activada,
		// toda colección debe fijar grupo.
		if cc.WalletGroup != "" && !groups[cc.WalletGroup] {
			return fmt.Errorf("config: collection %q references unknown wallet group %q", cc.Symbol, cc.WalletGroup)
		}
		if c.Identities.RotationEnabled && cc.WalletGroup == "" {
			return fmt.Errorf("config: collection %q must name a wallet group when rotation is enabled", cc.Symbol)
		}
	}

	if !c.Identities.RotationEnabled {
		if c.Identities.Default.PaymentAddress == "" || c.Identities.Default.KeyEnv == "" {
			return fmt.Errorf("config: default identity requires payment_address and key_env")
		}
	}
	return nil
}

// ToDomain convierte la entrada YAML en la config inmutable del engine.
func (cc CollectionConfig) ToDomain() domain.CollectionConfig {
	return domain.CollectionConfig{
		Symbol:               cc.Symbol,
		MinBid:               cc.MinBid,
		MaxBid:               cc.MaxBid,
		MinFloorBid:          cc.MinFloorBid,
		MaxFloorBid:          cc.MaxFloorBid,
		OfferType:            domain.OfferType(cc.OfferType),
		BidCount:             cc.BidCount,
		Duration:             cc.DurationMinutes,
		ScheduledLoop:        cc.ScheduledLoopSeconds,
		EnableCounterBidding: cc.EnableCounterBidding,
		OutBidMargin:         cc.OutBidMargin,
		Quantity:             cc.Quantity,
		FeeRate:              cc.FeeRate,
		WalletGroup:          cc.WalletGroup,
		Traits:               cc.Traits,
	}
}

// DomainCollections devuelve todas las colecciones como tipos de dominio.
func (c *Config) DomainCollections() []domain.CollectionConfig {
	out := make([]domain.CollectionConfig, 0, len(c.Collections))
	for _, cc := range c.Collections {
		out = append(out, cc.ToDomain())
	}
	return out
}

// PacerWindow devuelve la ventana del pacer como time.Duration.
func (c *Config) PacerWindow() time.Duration {
	return time.Duration(c.Pacer.WindowSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MARKETPLACE_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("MARKETPLACE_API_BASE"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("MARKETPLACE_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("SIGNER_URL"); v != "" {
		cfg.Signer.URL = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	for i := range cfg.Collections {
		cc := &cfg.Collections[i]
		if cc.OfferType == "" {
			cc.OfferType = string(domain.OfferTypeItem)
		}
		if cc.BidCount <= 0 {
			cc.BidCount = 10
		}
		if cc.DurationMinutes <= 0 {
			cc.DurationMinutes = 30
		}
		if cc.ScheduledLoopSeconds <= 0 {
			cc.ScheduledLoopSeconds = 60
		}
		if cc.Quantity <= 0 {
			cc.Quantity = 1
		}
	}
	if cfg.Pacer.WindowSeconds <= 0 {
		cfg.Pacer.WindowSeconds = 60
	}
	if cfg.Pacer.MaxPerWindow <= 0 {
		cfg.Pacer.MaxPerWindow = 5
	}
	if cfg.Identities.BidsPerMinute <= 0 {
		cfg.Identities.BidsPerMinute = 5
	}
	for i := range cfg.Identities.Groups {
		if cfg.Identities.Groups[i].BidsPerMinute <= 0 {
			cfg.Identities.Groups[i].BidsPerMinute = cfg.Identities.BidsPerMinute
		}
	}
	if cfg.Signer.URL == "" {
		cfg.Signer.URL = "http://127.0.0.1:9090/sign"
	}
	if cfg.Signer.TimeoutSeconds <= 0 {
		cfg.Signer.TimeoutSeconds = 15
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "ordbot.db"
	}
	if cfg.Storage.HistoryPath == "" {
		cfg.Storage.HistoryPath = "data/bid-history.json"
	}
	if cfg.Storage.StatsPath == "" {
		cfg.Storage.StatsPath = "data/stats.json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
