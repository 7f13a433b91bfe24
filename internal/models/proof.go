package models

// ProofType discriminates the validation and grouping rules of a proof
type ProofType string

// Proof types
const (
	ProofTypePriceTag    ProofType = "PRICE_TAG"
	ProofTypeReceipt     ProofType = "RECEIPT"
	ProofTypeGDPRRequest ProofType = "GDPR_REQUEST"
	ProofTypeShopImport  ProofType = "SHOP_IMPORT"
)

// ProofTypes lists every proof type
var ProofTypes = []ProofType{ProofTypePriceTag, ProofTypeReceipt, ProofTypeGDPRRequest, ProofTypeShopImport}

// TypeGroup names a set of proof types sharing a business rule
type TypeGroup string

// Type groups
const (
	// same location, date & currency for every price
	TypeGroupSingleShop           TypeGroup = "SINGLE_SHOP"
	TypeGroupMultipleShop         TypeGroup = "MULTIPLE_SHOP"
	TypeGroupAllowAnyUserPriceAdd TypeGroup = "ALLOW_ANY_USER_PRICE_ADD"
	TypeGroupCommunity            TypeGroup = "COMMUNITY"
	// extra receipt fields
	TypeGroupConsumption TypeGroup = "CONSUMPTION"
)

// TypeGroups maps each group to its member proof types
var TypeGroups = map[TypeGroup][]ProofType{
	TypeGroupSingleShop:           {ProofTypePriceTag, ProofTypeReceipt, ProofTypeShopImport},
	TypeGroupMultipleShop:         {ProofTypeGDPRRequest},
	TypeGroupAllowAnyUserPriceAdd: {ProofTypePriceTag},
	TypeGroupCommunity:            {ProofTypePriceTag, ProofTypeShopImport},
	TypeGroupConsumption:          {ProofTypeReceipt, ProofTypeGDPRRequest},
}

// Valid reports whether t is a known proof type
func (t ProofType) Valid() bool {
	for _, known := range ProofTypes {
		if t == known {
			return true
		}
	}
	return false
}

// InGroup reports whether t belongs to group g
func (t ProofType) InGroup(g TypeGroup) bool {
	for _, member := range TypeGroups[g] {
		if t == member {
			return true
		}
	}
	return false
}

// ProofFieldRule restricts an optional proof field to the types of one group
type ProofFieldRule struct {
	Field string
	Group TypeGroup
	IsSet func(p *Proof) bool
}

// ProofFieldRules is evaluated against every created or updated proof
var ProofFieldRules = []ProofFieldRule{
	{
		Field: "receipt_price_count",
		Group: TypeGroupConsumption,
		IsSet: func(p *Proof) bool { return p.ReceiptPriceCount != nil },
	},
	{
		Field: "receipt_price_total",
		Group: TypeGroupConsumption,
		IsSet: func(p *Proof) bool { return p.ReceiptPriceTotal != nil },
	},
}
