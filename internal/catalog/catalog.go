/**
 * @description
 * The product catalog: coin packages sold once, monthly subscription plans and the
 * small packages sold through the Prodamus payform. Prices are per currency and held as
 * decimals. The built-in catalog can be replaced by a YAML file (see LoadFile).
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact prices.
 * - gopkg.in/yaml.v3: catalog file parsing.
 */

package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Supported currencies. RUB is the primary currency and the fallback.
const (
	CurrencyRUB = "RUB"
	CurrencyUSD = "USD"
	CurrencyEUR = "EUR"
)

// DefaultPackageID is used when a request or webhook does not name a package.
const DefaultPackageID = "starter"

// Package is a one-time coin package.
type Package struct {
	ID      string                     `yaml:"-"`
	Coins   int64                      `yaml:"coins"`
	Prices  map[string]decimal.Decimal `yaml:"prices"`
	OfferID string                     `yaml:"offer_id,omitempty"`
}

// Plan is a monthly subscription plan.
type Plan struct {
	ID              string                     `yaml:"-"`
	Name            string                     `yaml:"name"`
	NeuronsPerMonth int64                      `yaml:"neurons_per_month"`
	Prices          map[string]decimal.Decimal `yaml:"prices"`
	OfferID         string                     `yaml:"offer_id,omitempty"`
}

// ProdamusPackage is a package sold through the Prodamus payform, priced in RUB only.
type ProdamusPackage struct {
	ID    string          `yaml:"-"`
	Name  string          `yaml:"name"`
	Coins int64           `yaml:"coins"`
	Price decimal.Decimal `yaml:"price"`
}

// Catalog groups everything the invoice and webhook flows need to price a purchase.
type Catalog struct {
	Packages         map[string]Package         `yaml:"packages"`
	Plans            map[string]Plan            `yaml:"plans"`
	PlanAliases      map[string]string          `yaml:"plan_aliases"`
	ProdamusPackages map[string]ProdamusPackage `yaml:"prodamus_packages"`
}

func prices(rub, usd, eur int64) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		CurrencyRUB: decimal.NewFromInt(rub),
		CurrencyUSD: decimal.NewFromInt(usd),
		CurrencyEUR: decimal.NewFromInt(eur),
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{
		Packages: map[string]Package{
			"light":    {Coins: 30, Prices: prices(290, 3, 3)},
			"starter":  {Coins: 100, Prices: prices(890, 9, 9)},
			"standard": {Coins: 300, Prices: prices(2490, 25, 24)},
			"pro":      {Coins: 500, Prices: prices(3990, 40, 38)},
			"business": {Coins: 1000, Prices: prices(7500, 75, 70)},
		},
		Plans: map[string]Plan{
			"pro":   {Name: "PRO", NeuronsPerMonth: 150, Prices: prices(2900, 29, 27)},
			"elite": {Name: "ELITE", NeuronsPerMonth: 600, Prices: prices(9900, 99, 95)},
		},
		PlanAliases: map[string]string{
			"business": "elite",
		},
		ProdamusPackages: map[string]ProdamusPackage{
			"test_1":   {Name: "Тест 1₽", Coins: 1, Price: decimal.NewFromInt(1)},
			"test_10":  {Name: "Тест 10₽", Coins: 5, Price: decimal.NewFromInt(10)},
			"test_50":  {Name: "Тест 50₽", Coins: 10, Price: decimal.NewFromInt(50)},
			"test_100": {Name: "Тест 100₽", Coins: 30, Price: decimal.NewFromInt(100)},
		},
	}
	c.index()
	return c
}

// LoadFile reads a catalog from a YAML file. Sections missing from the file keep the
// built-in values.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var parsed Catalog
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := Default()
	if len(parsed.Packages) > 0 {
		c.Packages = parsed.Packages
	}
	if len(parsed.Plans) > 0 {
		c.Plans = parsed.Plans
	}
	if parsed.PlanAliases != nil {
		c.PlanAliases = parsed.PlanAliases
	}
	if len(parsed.ProdamusPackages) > 0 {
		c.ProdamusPackages = parsed.ProdamusPackages
	}
	c.index()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// index copies map keys into the ID fields and normalizes them to lower case.
func (c *Catalog) index() {
	packages := make(map[string]Package, len(c.Packages))
	for id, p := range c.Packages {
		key := strings.ToLower(strings.TrimSpace(id))
		p.ID = key
		packages[key] = p
	}
	c.Packages = packages

	plans := make(map[string]Plan, len(c.Plans))
	for id, p := range c.Plans {
		key := strings.ToLower(strings.TrimSpace(id))
		p.ID = key
		if p.Name == "" {
			p.Name = strings.ToUpper(key)
		}
		plans[key] = p
	}
	c.Plans = plans

	prodamus := make(map[string]ProdamusPackage, len(c.ProdamusPackages))
	for id, p := range c.ProdamusPackages {
		key := strings.TrimSpace(id)
		p.ID = key
		prodamus[key] = p
	}
	c.ProdamusPackages = prodamus
}

// Validate rejects catalogs that could credit nothing or price nothing.
func (c *Catalog) Validate() error {
	if _, ok := c.Packages[DefaultPackageID]; !ok {
		return fmt.Errorf("catalog: default package %q is missing", DefaultPackageID)
	}
	for id, p := range c.Packages {
		if p.Coins <= 0 {
			return fmt.Errorf("catalog: package %q must credit a positive amount", id)
		}
		if _, ok := p.Prices[CurrencyRUB]; !ok {
			return fmt.Errorf("catalog: package %q has no %s price", id, CurrencyRUB)
		}
	}
	for id, p := range c.Plans {
		if p.NeuronsPerMonth <= 0 {
			return fmt.Errorf("catalog: plan %q must credit a positive amount", id)
		}
		if _, ok := p.Prices[CurrencyRUB]; !ok {
			return fmt.Errorf("catalog: plan %q has no %s price", id, CurrencyRUB)
		}
	}
	for alias, target := range c.PlanAliases {
		if _, ok := c.Plans[target]; !ok {
			return fmt.Errorf("catalog: plan alias %q points to unknown plan %q", alias, target)
		}
	}
	for id, p := range c.ProdamusPackages {
		if p.Coins <= 0 {
			return fmt.Errorf("catalog: prodamus package %q must credit a positive amount", id)
		}
	}
	return nil
}

// NormalizeCurrency upper-cases the code and falls back to RUB for anything unsupported.
func NormalizeCurrency(code string) string {
	switch c := strings.ToUpper(strings.TrimSpace(code)); c {
	case CurrencyRUB, CurrencyUSD, CurrencyEUR:
		return c
	default:
		return CurrencyRUB
	}
}

// Package returns the package with the given id. An empty id resolves to the default package.
func (c *Catalog) Package(id string) (Package, bool) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		key = DefaultPackageID
	}
	p, ok := c.Packages[key]
	return p, ok
}

// Plan resolves a plan id or alias. The free tier is never a purchasable plan.
func (c *Catalog) Plan(id string) (Plan, bool) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" || key == "free" {
		return Plan{}, false
	}
	if target, ok := c.PlanAliases[key]; ok {
		key = target
	}
	p, ok := c.Plans[key]
	return p, ok
}

// ProdamusPackage returns a Prodamus package by exact id.
func (c *Catalog) ProdamusPackage(id string) (ProdamusPackage, bool) {
	p, ok := c.ProdamusPackages[strings.TrimSpace(id)]
	return p, ok
}

// PackageIDs lists package ids in a stable order.
func (c *Catalog) PackageIDs() []string {
	ids := make([]string, 0, len(c.Packages))
	for id := range c.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Price returns the price for the normalized currency and the currency actually used.
func (p Package) Price(currency string) (decimal.Decimal, string) {
	return priceFor(p.Prices, currency)
}

// Price returns the monthly price for the normalized currency and the currency actually used.
func (p Plan) Price(currency string) (decimal.Decimal, string) {
	return priceFor(p.Prices, currency)
}

func priceFor(table map[string]decimal.Decimal, currency string) (decimal.Decimal, string) {
	code := NormalizeCurrency(currency)
	if price, ok := table[code]; ok {
		return price, code
	}
	return table[CurrencyRUB], CurrencyRUB
}

// ApplyOffers sets gateway offer ids from configuration. Offers already present in a
// catalog file win; unknown ids are ignored.
func (c *Catalog) ApplyOffers(packageOffers, planOffers map[string]string) {
	for id, offer := range packageOffers {
		offer = strings.TrimSpace(offer)
		if p, ok := c.Packages[strings.ToLower(id)]; ok && p.OfferID == "" && offer != "" {
			p.OfferID = offer
			c.Packages[p.ID] = p
		}
	}
	for id, offer := range planOffers {
		offer = strings.TrimSpace(offer)
		p, ok := c.Plan(id)
		if ok && p.OfferID == "" && offer != "" {
			p.OfferID = offer
			c.Plans[p.ID] = p
		}
	}
}
