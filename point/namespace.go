package point

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidNamespace is returned for namespaces that cannot be used.
var ErrInvalidNamespace = errors.New("point: invalid namespace")

// Namespace selects where points are stored and who can read them. Each
// InfluxDB generation names it differently; the namespace hides which one
// the ingress uses.
type Namespace interface {
	// Version identifies the namespace kind: "1", "2" or "IOx".
	Version() string

	// Params returns the query parameters that route a write to the
	// namespace.
	Params() url.Values

	// Validate reports whether the namespace can be written to.
	Validate() error
}

// V1Namespace is an InfluxDB 1 database and retention policy.
type V1Namespace struct {
	Database        string
	RetentionPolicy string
}

func (V1Namespace) Version() string { return "1" }

func (n V1Namespace) Params() url.Values {
	return url.Values{"db": {n.Database}, "rp": {n.RetentionPolicy}}
}

func (n V1Namespace) Validate() error {
	return nonEmpty("database", n.Database, "retention policy", n.RetentionPolicy)
}

// V2Namespace is an InfluxDB 2 organization and bucket.
type V2Namespace struct {
	Organization string
	Bucket       string
}

func (V2Namespace) Version() string { return "2" }

func (n V2Namespace) Params() url.Values {
	return url.Values{"org": {n.Organization}, "bucket": {n.Bucket}}
}

func (n V2Namespace) Validate() error {
	return nonEmpty("organization", n.Organization, "bucket", n.Bucket)
}

// V3Namespace is an InfluxDB IOx namespace name.
type V3Namespace struct {
	Name string
}

func (V3Namespace) Version() string { return "IOx" }

func (n V3Namespace) Params() url.Values {
	return url.Values{"namespace": {n.Name}}
}

func (n V3Namespace) Validate() error {
	return nonEmpty("name", n.Name)
}

// NewNamespace builds the namespace described by its parameters: database
// and retentionPolicy for V1, organization and bucket for V2, or name for
// V3.
func NewNamespace(fields map[string]string) (Namespace, error) {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := fields[k]; !ok {
				return false
			}
		}
		return true
	}

	var ns Namespace
	switch {
	case has("database", "retentionPolicy"):
		ns = V1Namespace{Database: fields["database"], RetentionPolicy: fields["retentionPolicy"]}
	case has("organization", "bucket"):
		ns = V2Namespace{Organization: fields["organization"], Bucket: fields["bucket"]}
	case has("name"):
		ns = V3Namespace{Name: fields["name"]}
	default:
		return nil, fmt.Errorf("%w: unable to detect the namespace type", ErrInvalidNamespace)
	}

	if err := ns.Validate(); err != nil {
		return nil, err
	}
	return ns, nil
}

// nonEmpty takes name/value pairs and fails on the first empty value.
func nonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s must have a length of at least one character", ErrInvalidNamespace, pairs[i])
		}
	}
	return nil
}
