package domain

import (
	"fmt"
	"time"
)

// OfferType distingue pujas por token individual de pujas a nivel colección.
type OfferType string

const (
	OfferTypeItem       OfferType = "ITEM"
	OfferTypeCollection OfferType = "COLLECTION"
)

// Trait es un filtro de atributo para pujas acotadas a un subconjunto
// de la colección (p.ej. type=Gold).
type Trait struct {
	TraitType string `yaml:"trait_type" json:"traitType"`
	Value     string `yaml:"value" json:"value"`
}

// CollectionConfig es la configuración de puja para una colección vigilada.
// Se carga una vez al arrancar y el engine nunca la muta.
type CollectionConfig struct {
	Symbol              string    // clave única de la colección en el marketplace
	MinBid              int64     // suelo absoluto en sats
	MaxBid              int64     // techo absoluto en sats
	MinFloorBid         int       // % del floor price; puede ser negativo o >100
	MaxFloorBid         int       // % del floor price
	OfferType           OfferType
	BidCount            int       // cuántos bottom listings atacar
	Duration            int       // vigencia de la oferta en minutos
	ScheduledLoop       int       // intervalo del ciclo programado en segundos
	EnableCounterBidding bool
	OutBidMargin        int64     // incremento de contrapuja en sats
	Quantity            int       // tope de compras; default 1
	FeeRate             int64
	WalletGroup         string    // grupo de identidades al que se fija (opcional)
	Traits              []Trait
}

// Validate comprueba los invariantes de configuración. Cualquier error aquí
// es fatal antes de arrancar el engine: nunca operar con config ambigua.
func (c CollectionConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("collection config: empty symbol")
	}
	if c.MinBid > c.MaxBid {
		return fmt.Errorf("collection %s: minBid %d > maxBid %d", c.Symbol, c.MinBid, c.MaxBid)
	}
	if c.MinFloorBid > c.MaxFloorBid {
		return fmt.Errorf("collection %s: minFloorBid %d > maxFloorBid %d", c.Symbol, c.MinFloorBid, c.MaxFloorBid)
	}
	switch c.OfferType {
	case OfferTypeItem, OfferTypeCollection:
	default:
		return fmt.Errorf("collection %s: offerType %q must be ITEM or COLLECTION", c.Symbol, c.OfferType)
	}
	if c.BidCount <= 0 {
		return fmt.Errorf("collection %s: bidCount must be positive, got %d", c.Symbol, c.BidCount)
	}
	return nil
}

// HasTraits devuelve true si la puja está acotada por traits.
func (c CollectionConfig) HasTraits() bool {
	return len(c.Traits) > 0
}

// EffectiveQuantity devuelve el tope de compras, con default 1.
func (c CollectionConfig) EffectiveQuantity() int {
	if c.Quantity <= 0 {
		return 1
	}
	return c.Quantity
}

// OfferDuration devuelve la vigencia de la oferta como time.Duration.
func (c CollectionConfig) OfferDuration() time.Duration {
	if c.Duration <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Duration) * time.Minute
}

// LoopInterval devuelve el intervalo del ciclo programado para esta colección.
func (c CollectionConfig) LoopInterval() time.Duration {
	if c.ScheduledLoop <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ScheduledLoop) * time.Second
}
