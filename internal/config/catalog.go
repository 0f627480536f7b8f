package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CatalogConfig lists the paid services seeded into the default organization.
type CatalogConfig struct {
	Services []CatalogService `mapstructure:"services"`
}

type CatalogService struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	CreditCost  string `mapstructure:"creditCost"`
	Active      *bool  `mapstructure:"active"`
}

// IsActive defaults to true when the flag is omitted.
func (s CatalogService) IsActive() bool {
	return s.Active == nil || *s.Active
}

func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Services: []CatalogService{
			{Name: "Text Keyword Extractor", Description: "Extracts the most frequent keywords from text.", CreditCost: "2.00"},
			{Name: "Text Sentiment Analysis", Description: "Scores text as positive, negative or neutral.", CreditCost: "5.00"},
			{Name: "Data Validator", Description: "Validates records against a required field list.", CreditCost: "1.50"},
			{Name: "Demo Free Service", Description: "Echoes its input at no cost.", CreditCost: "0"},
		},
	}
}

type CatalogHolder struct {
	current atomic.Value // holds CatalogConfig

	mu        sync.Mutex
	listeners []func(CatalogConfig)
}

func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return newCatalogHolder(v, true)
}

// LoadCatalogFile reads a catalog from an explicit path without watching it.
func LoadCatalogFile(path string) (*CatalogHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newCatalogHolder(v, false)
}

func newCatalogHolder(v *viper.Viper, watch bool) (*CatalogHolder, error) {
	var cfg CatalogConfig
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		cfg = DefaultCatalogConfig()
	} else if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return nil, err
	}
	if err := validateCatalogConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(cfg)

	if !watch || v.ConfigFileUsed() == "" {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CatalogConfig
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[catalog-config] reload failed: %v", err)
			return
		}
		if err := holder.Update(updated); err != nil {
			log.Printf("[catalog-config] invalid config ignored: %v", err)
			return
		}
		log.Printf("[catalog-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// OnChange registers fn to run after every accepted reload, on the reloading goroutine.
func (h *CatalogHolder) OnChange(fn func(CatalogConfig)) {
	if h == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Update validates cfg, makes it current and notifies listeners. An invalid
// cfg leaves the current catalog in place.
func (h *CatalogHolder) Update(cfg CatalogConfig) error {
	if err := validateCatalogConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)

	h.mu.Lock()
	listeners := append(([]func(CatalogConfig))(nil), h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func (h *CatalogHolder) Get() CatalogConfig {
	if h == nil {
		return CatalogConfig{}
	}
	cfg, _ := h.current.Load().(CatalogConfig)
	return cfg
}

func validateCatalogConfig(cfg CatalogConfig) error {
	seen := make(map[string]struct{}, len(cfg.Services))
	for _, svc := range cfg.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return errors.New("catalog.services[].name cannot be empty")
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("catalog.services: duplicate name %q", name)
		}
		seen[key] = struct{}{}

		cost, err := decimal.NewFromString(strings.TrimSpace(svc.CreditCost))
		if err != nil {
			return fmt.Errorf("catalog.services[%s].creditCost: %w", name, err)
		}
		if cost.IsNegative() {
			return fmt.Errorf("catalog.services[%s].creditCost cannot be negative", name)
		}
	}
	return nil
}
