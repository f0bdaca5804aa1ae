package model

// ResourceType は所有者参照を持つ業務リソースの種別（テーブル名）を表す。
type ResourceType string

const (
	// ResourceClients は顧客リソース。
	ResourceClients ResourceType = "clients"
	// ResourceLeads はリードリソース。
	ResourceLeads ResourceType = "leads"
)

// OwnedResourceTypes はオーナー移行・クリーンアップの対象となる全リソース種別。
var OwnedResourceTypes = []ResourceType{ResourceClients, ResourceLeads}

// Valid は既知のリソース種別かを返す。
func (t ResourceType) Valid() bool {
	for _, known := range OwnedResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OwnershipCounts はリソース種別ごとの件数を保持する。
type OwnershipCounts map[ResourceType]int64

// Total は全種別の合計件数を返す。
func (c OwnershipCounts) Total() int64 {
	var total int64
	for _, n := range c {
		total += n
	}
	return total
}
