package did

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// DefaultContext is the @context written into new documents.
var DefaultContext = []string{
	"https://www.w3.org/ns/did/v1",
	"https://w3id.org/security/v1",
}

// Document is a DID document. Relationship entries are kept in the order
// they were added. A side index from method id to position is rebuilt after
// every mutation and on load.
type Document struct {
	Context              []string
	ID                   Identifier
	Controller           string
	VerificationMethod   []VerificationMethod
	Authentication       []MethodRef
	AssertionMethod      []MethodRef
	KeyAgreement         []MethodRef
	CapabilityInvocation []MethodRef
	CapabilityDelegation []MethodRef
	Service              []Service
	Created              time.Time
	Updated              time.Time

	index map[string]methodLocation
}

type methodLocation struct {
	relationship Relationship // empty for verificationMethod entries
	pos          int
}

type rawDocument struct {
	Context              []string             `json:"@context,omitempty"`
	ID                   Identifier           `json:"id"`
	Controller           string               `json:"controller,omitempty"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication       []MethodRef          `json:"authentication,omitempty"`
	AssertionMethod      []MethodRef          `json:"assertionMethod,omitempty"`
	KeyAgreement         []MethodRef          `json:"keyAgreement,omitempty"`
	CapabilityInvocation []MethodRef          `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []MethodRef          `json:"capabilityDelegation,omitempty"`
	Service              []Service            `json:"service,omitempty"`
	Created              *time.Time           `json:"created,omitempty"`
	Updated              *time.Time           `json:"updated,omitempty"`
}

// NewDocument returns an empty document for id.
func NewDocument(id Identifier) *Document {
	return &Document{
		Context: slices.Clone(DefaultContext),
		ID:      id,
		index:   map[string]methodLocation{},
	}
}

// ParseDocument decodes and validates a JSON document.
func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	raw := rawDocument{
		Context:              d.Context,
		ID:                   d.ID,
		Controller:           d.Controller,
		VerificationMethod:   d.VerificationMethod,
		Authentication:       d.Authentication,
		AssertionMethod:      d.AssertionMethod,
		KeyAgreement:         d.KeyAgreement,
		CapabilityInvocation: d.CapabilityInvocation,
		CapabilityDelegation: d.CapabilityDelegation,
		Service:              d.Service,
	}
	if !d.Created.IsZero() {
		raw.Created = &d.Created
	}
	if !d.Updated.IsZero() {
		raw.Updated = &d.Updated
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler. It rejects documents with
// foreign methods, dangling references or malformed key material.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode did document: %w", err)
	}
	if raw.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}

	*d = Document{
		Context:              raw.Context,
		ID:                   raw.ID,
		Controller:           raw.Controller,
		VerificationMethod:   raw.VerificationMethod,
		Authentication:       raw.Authentication,
		AssertionMethod:      raw.AssertionMethod,
		KeyAgreement:         raw.KeyAgreement,
		CapabilityInvocation: raw.CapabilityInvocation,
		CapabilityDelegation: raw.CapabilityDelegation,
		Service:              raw.Service,
	}
	if raw.Created != nil {
		d.Created = *raw.Created
	}
	if raw.Updated != nil {
		d.Updated = *raw.Updated
	}

	// Relative ids (#key-1) are stored in absolute form.
	for i := range d.VerificationMethod {
		d.VerificationMethod[i].ID = d.relativeToAbs(d.VerificationMethod[i].ID)
	}
	for _, rel := range Relationships {
		refs := d.refs(rel)
		for i := range *refs {
			if emb := (*refs)[i].Embedded; emb != nil {
				emb.ID = d.relativeToAbs(emb.ID)
			} else {
				(*refs)[i].Ref = d.absID((*refs)[i].Ref)
			}
		}
	}
	for i := range d.Service {
		d.Service[i].ID = d.relativeToAbs(d.Service[i].ID)
	}

	return d.Validate()
}

// Validate checks every structural invariant and rebuilds the side index.
func (d *Document) Validate() error {
	if d.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}
	for i := range d.VerificationMethod {
		if err := d.VerificationMethod[i].validate(d.ID); err != nil {
			return err
		}
	}
	for _, rel := range Relationships {
		for _, ref := range *d.refs(rel) {
			if ref.Embedded != nil {
				if err := ref.Embedded.validate(d.ID); err != nil {
					return err
				}
			}
		}
	}

	services := make(map[string]struct{}, len(d.Service))
	for i := range d.Service {
		if err := d.Service[i].validate(d.ID); err != nil {
			return err
		}
		if _, dup := services[d.Service[i].ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateServiceID, d.Service[i].ID)
		}
		services[d.Service[i].ID] = struct{}{}
	}

	return d.reindex()
}

func (d *Document) reindex() error {
	index := make(map[string]methodLocation, len(d.VerificationMethod))
	for i, vm := range d.VerificationMethod {
		if _, dup := index[vm.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMethodID, vm.ID)
		}
		index[vm.ID] = methodLocation{pos: i}
	}

	for _, rel := range Relationships {
		refs := d.refs(rel)
		if len(*refs) == 0 {
			*refs = nil
			continue
		}
		for i, ref := range *refs {
			if ref.Embedded == nil {
				if loc, ok := index[ref.Ref]; !ok || loc.relationship != "" {
					return fmt.Errorf("%w: %s references %s", ErrMethodNotFound, rel, ref.Ref)
				}
				continue
			}
			if _, dup := index[ref.Embedded.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateMethodID, ref.Embedded.ID)
			}
			index[ref.Embedded.ID] = methodLocation{relationship: rel, pos: i}
		}
	}

	if len(d.VerificationMethod) == 0 {
		d.VerificationMethod = nil
	}
	if len(d.Service) == 0 {
		d.Service = nil
	}
	d.index = index
	return nil
}

func (d *Document) refs(rel Relationship) *[]MethodRef {
	switch rel {
	case Authentication:
		return &d.Authentication
	case AssertionMethod:
		return &d.AssertionMethod
	case KeyAgreement:
		return &d.KeyAgreement
	case CapabilityInvocation:
		return &d.CapabilityInvocation
	case CapabilityDelegation:
		return &d.CapabilityDelegation
	}
	return nil
}

// absID turns "#frag" or "frag" into "<did>#frag".
func (d *Document) absID(id string) string {
	switch {
	case strings.HasPrefix(id, "#"):
		return d.ID.String() + id
	case !strings.Contains(id, "#") && !strings.HasPrefix(id, Scheme+":"):
		return d.ID.String() + "#" + id
	default:
		return id
	}
}

// relativeToAbs resolves a fragment-only id against the document DID.
func (d *Document) relativeToAbs(id string) string {
	if strings.HasPrefix(id, "#") {
		return d.ID.String() + id
	}
	return id
}

func (d *Document) ensureIndex() {
	if d.index == nil {
		_ = d.reindex()
	}
}

// AddVerificationMethod appends vm to verificationMethod.
func (d *Document) AddVerificationMethod(vm VerificationMethod) error {
	if err := vm.validate(d.ID); err != nil {
		return err
	}
	d.ensureIndex()
	if _, dup := d.index[vm.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateMethodID, vm.ID)
	}

	d.VerificationMethod = append(d.VerificationMethod, vm)
	return d.reindex()
}

// AddRelationship references an existing verification method from rel.
// Adding a reference that is already present is a no-op.
func (d *Document) AddRelationship(rel Relationship, methodID string) error {
	refs := d.refs(rel)
	if refs == nil {
		return fmt.Errorf("%w: unknown relationship %q", ErrInvalidDocument, rel)
	}
	methodID = d.absID(methodID)

	d.ensureIndex()
	loc, ok := d.index[methodID]
	if !ok || loc.relationship != "" {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, methodID)
	}

	vm := &d.VerificationMethod[loc.pos]
	kt, err := vm.KeyType()
	if err != nil {
		return err
	}
	if !kt.Can(rel.Capability()) {
		return fmt.Errorf("%w: %s key %s cannot serve %s", ErrPurposeNotAllowed, kt, methodID, rel)
	}

	if d.HasRelationship(rel, methodID) {
		return nil
	}
	*refs = append(*refs, MethodRef{Ref: methodID})
	return d.reindex()
}

// AddEmbeddedMethod embeds vm directly in rel. Embedded methods are
// only usable for that relationship.
func (d *Document) AddEmbeddedMethod(rel Relationship, vm VerificationMethod) error {
	refs := d.refs(rel)
	if refs == nil {
		return fmt.Errorf("%w: unknown relationship %q", ErrInvalidDocument, rel)
	}
	if err := vm.validate(d.ID); err != nil {
		return err
	}
	kt, err := vm.KeyType()
	if err != nil {
		return err
	}
	if !kt.Can(rel.Capability()) {
		return fmt.Errorf("%w: %s key %s cannot serve %s", ErrPurposeNotAllowed, kt, vm.ID, rel)
	}

	d.ensureIndex()
	if _, dup := d.index[vm.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateMethodID, vm.ID)
	}

	*refs = append(*refs, MethodRef{Embedded: &vm})
	return d.reindex()
}

// RemoveRelationship drops every entry of rel that points at methodID.
func (d *Document) RemoveRelationship(rel Relationship, methodID string) error {
	refs := d.refs(rel)
	if refs == nil {
		return fmt.Errorf("%w: unknown relationship %q", ErrInvalidDocument, rel)
	}
	methodID = d.absID(methodID)

	n := len(*refs)
	*refs = slices.DeleteFunc(*refs, func(r MethodRef) bool { return r.MethodID() == methodID })
	if len(*refs) == n {
		return fmt.Errorf("%w: %s not in %s", ErrMethodNotFound, methodID, rel)
	}
	return d.reindex()
}

// RemoveVerificationMethod removes a method from verificationMethod. It fails
// with ErrMethodInUse while any relationship still references it.
func (d *Document) RemoveVerificationMethod(methodID string) error {
	methodID = d.absID(methodID)

	d.ensureIndex()
	loc, ok := d.index[methodID]
	if !ok || loc.relationship != "" {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, methodID)
	}

	var users []string
	for _, rel := range Relationships {
		if d.HasRelationship(rel, methodID) {
			users = append(users, string(rel))
		}
	}
	if len(users) > 0 {
		return fmt.Errorf("%w: %s is referenced by %s", ErrMethodInUse, methodID, strings.Join(users, ", "))
	}

	d.VerificationMethod = slices.Delete(d.VerificationMethod, loc.pos, loc.pos+1)
	return d.reindex()
}

// AddService appends a service endpoint.
func (d *Document) AddService(svc Service) error {
	svc.ID = d.absID(svc.ID)
	if err := svc.validate(d.ID); err != nil {
		return err
	}
	if _, ok := d.FindService(svc.ID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServiceID, svc.ID)
	}

	d.Service = append(d.Service, svc)
	return nil
}

// RemoveService removes the service with the given id.
func (d *Document) RemoveService(serviceID string) error {
	serviceID = d.absID(serviceID)

	n := len(d.Service)
	d.Service = slices.DeleteFunc(d.Service, func(s Service) bool { return s.ID == serviceID })
	if len(d.Service) == n {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	if len(d.Service) == 0 {
		d.Service = nil
	}
	return nil
}

// FindService looks a service up by absolute or relative id.
func (d *Document) FindService(serviceID string) (*Service, bool) {
	serviceID = d.absID(serviceID)
	for i := range d.Service {
		if d.Service[i].ID == serviceID {
			return &d.Service[i], true
		}
	}
	return nil, false
}

// FindMethod looks a method up by absolute or relative id, including
// methods embedded in a relationship.
func (d *Document) FindMethod(methodID string) (*VerificationMethod, bool) {
	methodID = d.absID(methodID)

	d.ensureIndex()
	loc, ok := d.index[methodID]
	if !ok {
		return nil, false
	}
	if loc.relationship == "" {
		return &d.VerificationMethod[loc.pos], true
	}
	return (*d.refs(loc.relationship))[loc.pos].Embedded, true
}

// HasRelationship reports whether rel lists methodID.
func (d *Document) HasRelationship(rel Relationship, methodID string) bool {
	refs := d.refs(rel)
	if refs == nil {
		return false
	}
	methodID = d.absID(methodID)
	return slices.ContainsFunc(*refs, func(r MethodRef) bool { return r.MethodID() == methodID })
}

// MethodsFor returns the methods listed under rel in order.
func (d *Document) MethodsFor(rel Relationship) []*VerificationMethod {
	refs := d.refs(rel)
	if refs == nil {
		return nil
	}
	out := make([]*VerificationMethod, 0, len(*refs))
	for _, r := range *refs {
		if vm, ok := d.FindMethod(r.MethodID()); ok {
			out = append(out, vm)
		}
	}
	return out
}

// Touch stamps the document as modified at now. Updated is kept strictly
// increasing so it can serve as an optimistic concurrency version.
func (d *Document) Touch(now time.Time) {
	now = now.UTC().Truncate(time.Microsecond)
	if d.Created.IsZero() {
		d.Created = now
	}
	if !now.After(d.Updated) {
		now = d.Updated.Add(time.Microsecond)
	}
	d.Updated = now
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := &Document{
		Context:            slices.Clone(d.Context),
		ID:                 d.ID,
		Controller:         d.Controller,
		VerificationMethod: make([]VerificationMethod, 0, len(d.VerificationMethod)),
		Created:            d.Created,
		Updated:            d.Updated,
	}
	for i := range d.VerificationMethod {
		c.VerificationMethod = append(c.VerificationMethod, *d.VerificationMethod[i].clone())
	}
	for _, rel := range Relationships {
		src := *d.refs(rel)
		if src == nil {
			continue
		}
		dst := make([]MethodRef, len(src))
		for i, r := range src {
			dst[i] = MethodRef{Ref: r.Ref, Embedded: r.Embedded.clone()}
		}
		*c.refs(rel) = dst
	}
	if d.Service != nil {
		c.Service = make([]Service, len(d.Service))
		for i, s := range d.Service {
			c.Service[i] = Service{ID: s.ID, Type: s.Type, ServiceEndpoint: s.ServiceEndpoint.clone()}
		}
	}
	_ = c.reindex()
	return c
}
