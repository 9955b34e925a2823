package domain

const (
	ActionPackageUpload = "package.upload"
	ActionPackageShare  = "package.share"
	ActionPackageUpdate = "package.update"
)

type PolicyInput struct {
	Action    string          `json:"action"`
	Principal PolicyPrincipal `json:"principal"`
	Package   *PolicyPackage  `json:"package,omitempty"`
}

type PolicyPrincipal struct {
	Subject       string   `json:"subject,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Authenticated bool     `json:"authenticated"`
}

type PolicyPackage struct {
	Hash       string `json:"hash"`
	CreatorUID string `json:"creator_uid,omitempty"`
	Tool       string `json:"tool,omitempty"`
}

// PolicySettings are operator switches handed to policies as data.
type PolicySettings struct {
	AnonymousUpdates bool
}

type PolicyResult struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons,omitempty"`
}

type PolicyEvaluation struct {
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}
