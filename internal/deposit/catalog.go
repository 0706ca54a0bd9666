package deposit

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"depositflow/internal/bonus"
	"depositflow/internal/common/money"
)

// Catalog holds the configured assets, payment methods and bonus tiers.
type Catalog struct {
	Assets     []money.AssetInfo `yaml:"assets" validate:"dive"`
	Methods    []PaymentMethod   `yaml:"methods" validate:"required,min=1,dive"`
	BonusTiers []bonus.Tier      `yaml:"bonus_tiers" validate:"dive"`

	byID map[string]PaymentMethod
}

var catalogValidator = validator.New()

// LoadCatalog reads and validates a YAML catalog file. Assets it declares
// are registered with the money package.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates YAML catalog content
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for _, a := range c.Assets {
		money.Register(a)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewCatalog builds a validated catalog from values
func NewCatalog(methods []PaymentMethod, tiers []bonus.Tier) (*Catalog, error) {
	c := &Catalog{Methods: methods, BonusTiers: tiers}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if err := catalogValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	c.byID = make(map[string]PaymentMethod, len(c.Methods))
	for _, m := range c.Methods {
		if _, dup := c.byID[m.ID]; dup {
			return fmt.Errorf("invalid catalog: duplicate method %s", m.ID)
		}
		if _, ok := money.Lookup(m.Asset); !ok {
			return fmt.Errorf("invalid catalog: method %s: %w %s", m.ID, money.ErrUnknownAsset, m.Asset)
		}
		if _, ok := money.Lookup(m.FiatCurrency); !ok {
			return fmt.Errorf("invalid catalog: method %s: %w %s", m.ID, money.ErrUnknownAsset, m.FiatCurrency)
		}
		if m.MinAmount.IsNegative() {
			return fmt.Errorf("invalid catalog: method %s: negative min_amount", m.ID)
		}
		if m.MaxAmount.IsPositive() && m.MaxAmount.LessThan(m.MinAmount) {
			return fmt.Errorf("invalid catalog: method %s: max_amount below min_amount", m.ID)
		}
		c.byID[m.ID] = m
	}

	if err := bonus.ValidateCatalog(c.BonusTiers); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	c.BonusTiers = bonus.Sorted(c.BonusTiers)
	return nil
}

// Method looks up a payment method by id
func (c *Catalog) Method(id string) (PaymentMethod, error) {
	m, ok := c.byID[id]
	if !ok {
		return PaymentMethod{}, fmt.Errorf("%w: %s", ErrMethodNotFound, id)
	}
	if !m.Enabled {
		return PaymentMethod{}, fmt.Errorf("%w: %s", ErrMethodDisabled, id)
	}
	return m, nil
}

// EnabledMethods lists enabled methods sorted by id
func (c *Catalog) EnabledMethods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(c.Methods))
	for _, m := range c.Methods {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tiers returns the bonus tiers ordered by threshold
func (c *Catalog) Tiers() []bonus.Tier {
	return c.BonusTiers
}
