package model

// Role keys accepted by role confirmation.
const (
	RoleBuyer    = "buyer"
	RoleSeller   = "seller"
	RoleClient   = "client"
	RoleProvider = "provider"
	RolePartyA   = "party_a"
	RolePartyB   = "party_b"
	RoleLandlord = "landlord"
	RoleTenant   = "tenant"
)

var ValidRoles = []string{
	RoleBuyer, RoleSeller, RoleClient, RoleProvider,
	RolePartyA, RolePartyB, RoleLandlord, RoleTenant,
}

func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// DefaultPartyNames is the placeholder used when no party name resolves.
func DefaultPartyNames(role string) []string {
	switch role {
	case RoleBuyer, RoleClient:
		return []string{"委托方"}
	case RoleSeller, RoleProvider:
		return []string{"服务方"}
	case RolePartyA:
		return []string{"甲方"}
	case RolePartyB:
		return []string{"乙方"}
	case RoleLandlord:
		return []string{"出租方"}
	case RoleTenant:
		return []string{"承租方"}
	default:
		return []string{"当事方"}
	}
}

// RoleCandidate is one role the submitter may claim.
type RoleCandidate struct {
	Role        string   `json:"role"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Entities    []string `json:"entities"`
}

// RoleCandidates offers a role pair based on the contract type. Every
// candidate lists the extracted companies.
func RoleCandidates(contractType string, entities Entities) []RoleCandidate {
	companies := entities.Normalize().Companies
	pair := func(a, aLabel, aDesc, b, bLabel, bDesc string) []RoleCandidate {
		return []RoleCandidate{
			{Role: a, Label: aLabel, Description: aDesc, Entities: companies},
			{Role: b, Label: bLabel, Description: bDesc, Entities: companies},
		}
	}

	switch contractType {
	case "采购合同", "供应合同":
		return pair(
			RoleBuyer, "采购方", "合同中的采购方，负责购买商品或服务",
			RoleSeller, "供应方", "合同中的供应方，负责提供商品或服务",
		)
	case "服务合同", "咨询合同":
		return pair(
			RoleClient, "委托方", "合同中的委托方，接受服务的一方",
			RoleProvider, "服务方", "合同中的服务提供方，提供专业服务",
		)
	default:
		return pair(
			RolePartyA, "甲方", "合同中的甲方当事人",
			RolePartyB, "乙方", "合同中的乙方当事人",
		)
	}
}
