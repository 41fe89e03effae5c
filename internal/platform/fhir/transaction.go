package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/pkg/pagination"
)

// TransactionProcessor executes Bundle submissions. Transactions run inside
// one repository transaction and either commit every entry or none of them.
// Batches run each entry independently. Messages acknowledge the header and
// store the payload resources atomically.
type TransactionProcessor struct {
	registry *HandlerRegistry
	tx       cdr.TransactionManager
	baseURL  string
	log      zerolog.Logger
}

func NewTransactionProcessor(registry *HandlerRegistry, tx cdr.TransactionManager, baseURL string, log zerolog.Logger) *TransactionProcessor {
	return &TransactionProcessor{
		registry: registry,
		tx:       tx,
		baseURL:  baseURL,
		log:      log.With().Str("component", "bundle").Logger(),
	}
}

// Process dispatches on the bundle type. The returned bundle mirrors the
// input entry order regardless of execution order.
func (p *TransactionProcessor) Process(ctx context.Context, cc *ConversionContext, b *Bundle) (*Bundle, error) {
	if b.ResourceType != "Bundle" {
		return nil, InvalidDataf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	switch b.Type {
	case BundleTypeTransaction:
		return p.processTransaction(ctx, cc, b)
	case BundleTypeBatch:
		return p.processBatch(ctx, cc, b)
	case BundleTypeMessage:
		return p.processMessage(ctx, cc, b)
	default:
		return nil, InvalidDataf("bundle type %q is not processable", b.Type)
	}
}

// bundleOp is one parsed entry: its request line broken into parts, plus the
// placeholder references its resource carries.
type bundleOp struct {
	index        int
	fullURL      string
	resource     map[string]any
	method       string
	resourceType string
	id           string
	versionID    string
	query        string
	ifNoneExist  string
	refs         []string
}

func (p *TransactionProcessor) processTransaction(ctx context.Context, cc *ConversionContext, b *Bundle) (*Bundle, error) {
	ops, err := parseOps(b.Entry)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.fullURL != "" {
			cc.SeedPlaceholder(op.fullURL)
		}
	}
	ordered, err := orderOps(ops)
	if err != nil {
		return nil, err
	}

	txCtx, tx, err := p.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	responses := make([]BundleEntry, len(ops))
	for _, op := range ordered {
		entry, key, err := p.execute(txCtx, cc, op)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				p.log.Error().Err(rbErr).Msg("rollback failed")
			}
			return nil, fmt.Errorf("entry %d (%s %s): %w", op.index, op.method, requestURL(op), err)
		}
		if op.fullURL != "" && key != uuid.Nil {
			if err := cc.BindPlaceholder(op.fullURL, key); err != nil {
				if rbErr := tx.Rollback(ctx); rbErr != nil {
					p.log.Error().Err(rbErr).Msg("rollback failed")
				}
				return nil, InvalidDataf("entry %d: %v", op.index, err)
			}
		}
		responses[op.index] = *entry
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	p.log.Info().Int("entries", len(ops)).Msg("transaction committed")
	return responseBundle(BundleTypeTransactionResponse, responses), nil
}

func (p *TransactionProcessor) processBatch(ctx context.Context, cc *ConversionContext, b *Bundle) (*Bundle, error) {
	responses := make([]BundleEntry, len(b.Entry))
	for i, raw := range b.Entry {
		op, err := parseOp(i, raw)
		if err == nil {
			var entry *BundleEntry
			entry, _, err = p.execute(ctx, cc, op)
			if err == nil {
				responses[i] = *entry
				continue
			}
		}
		status, outcome := StatusForError(err)
		responses[i] = BundleEntry{
			Response: &BundleResponse{
				Status:  StatusLine(status),
				Outcome: outcomeMap(outcome),
			},
		}
	}
	return responseBundle(BundleTypeBatchResponse, responses), nil
}

// processMessage acknowledges the MessageHeader and creates every payload
// resource in one atomic scope. Entries with an explicit request line keep
// their requested method.
func (p *TransactionProcessor) processMessage(ctx context.Context, cc *ConversionContext, b *Bundle) (*Bundle, error) {
	if len(b.Entry) == 0 || DeclaredType(b.Entry[0].Resource) != "MessageHeader" {
		return nil, InvalidDataf("message bundle must start with a MessageHeader entry")
	}
	header := b.Entry[0].Resource

	payload := make([]BundleEntry, len(b.Entry)-1)
	for i, raw := range b.Entry[1:] {
		if raw.Request == nil {
			raw.Request = &BundleRequest{Method: "POST", URL: DeclaredType(raw.Resource)}
		}
		payload[i] = raw
	}
	inner := &Bundle{ResourceType: "Bundle", Type: BundleTypeTransaction, Entry: payload}
	result, err := p.processTransaction(ctx, cc, inner)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	headerID, _ := header["id"].(string)
	ack := map[string]any{
		"resourceType": "MessageHeader",
		"id":           uuid.NewString(),
		"response": map[string]any{
			"identifier": headerID,
			"code":       "ok",
		},
	}
	out := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeMessage,
		Timestamp:    &now,
		Entry:        append([]BundleEntry{{Resource: ack}}, result.Entry...),
	}
	return out, nil
}

// execute runs one entry against its handler and returns the response entry
// plus the logical key it produced, when it produced one.
func (p *TransactionProcessor) execute(ctx context.Context, cc *ConversionContext, op *bundleOp) (*BundleEntry, uuid.UUID, error) {
	handler, err := p.registry.Resolve(op.resourceType)
	if err != nil {
		return nil, uuid.Nil, err
	}
	switch op.method {
	case "POST":
		return p.executeCreate(ctx, cc, handler, op)
	case "PUT":
		result, err := handler.Update(ctx, cc, op.id, op.resource)
		if err != nil {
			return nil, uuid.Nil, err
		}
		return p.responseEntry(op.resourceType, result, 200), keyOf(result), nil
	case "DELETE":
		result, err := handler.Delete(ctx, cc, op.id)
		if err != nil {
			return nil, uuid.Nil, err
		}
		entry := &BundleEntry{Response: &BundleResponse{
			Status: StatusLine(204),
			Etag:   ETag(result.VersionID),
		}}
		return entry, uuid.Nil, nil
	case "GET":
		return p.executeRead(ctx, cc, handler, op)
	default:
		return nil, uuid.Nil, InvalidDataf("method %s is not supported in bundles", op.method)
	}
}

func (p *TransactionProcessor) executeCreate(ctx context.Context, cc *ConversionContext, handler ResourceHandler, op *bundleOp) (*BundleEntry, uuid.UUID, error) {
	if op.ifNoneExist != "" {
		params, err := parseQuery(op.ifNoneExist)
		if err != nil {
			return nil, uuid.Nil, InvalidDataf("ifNoneExist %q: %v", op.ifNoneExist, err)
		}
		matches, total, err := handler.Query(ctx, cc, params, 2, 0)
		if err != nil {
			return nil, uuid.Nil, err
		}
		switch {
		case total > 1:
			return nil, uuid.Nil, fmt.Errorf("ifNoneExist %q matched %d resources: %w", op.ifNoneExist, total, ErrMultipleMatches)
		case total == 1:
			return p.responseEntry(op.resourceType, matches[0], 200), keyOf(matches[0]), nil
		}
	}
	result, err := handler.Create(ctx, cc, op.resource)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return p.responseEntry(op.resourceType, result, 201), keyOf(result), nil
}

func (p *TransactionProcessor) executeRead(ctx context.Context, cc *ConversionContext, handler ResourceHandler, op *bundleOp) (*BundleEntry, uuid.UUID, error) {
	if op.id == "" {
		params, err := parseQuery(op.query)
		if err != nil {
			return nil, uuid.Nil, InvalidDataf("search %q: %v", op.query, err)
		}
		results, total, err := handler.Query(ctx, cc, params, 100, 0)
		if err != nil {
			return nil, uuid.Nil, err
		}
		set := NewSearchsetBundle(p.baseURL, op.resourceType, results, total, pagination.Params{Count: 100}, params)
		var resource map[string]any
		data, _ := json.Marshal(set)
		_ = json.Unmarshal(data, &resource)
		entry := &BundleEntry{
			Resource: resource,
			Response: &BundleResponse{Status: StatusLine(200)},
		}
		return entry, uuid.Nil, nil
	}
	var result *Result
	var err error
	if op.versionID != "" {
		result, err = handler.VRead(ctx, cc, op.id, op.versionID)
	} else {
		result, err = handler.Read(ctx, cc, op.id)
		if err == nil && result.Deleted {
			err = fmt.Errorf("%s/%s: %w", op.resourceType, op.id, ErrGone)
		}
	}
	if err != nil {
		return nil, uuid.Nil, err
	}
	return p.responseEntry(op.resourceType, result, 200), uuid.Nil, nil
}

func (p *TransactionProcessor) responseEntry(resourceType string, r *Result, status int) *BundleEntry {
	lastModified := r.LastModified
	return &BundleEntry{
		FullURL:  fmt.Sprintf("%s/%s/%s", p.baseURL, resourceType, r.ID),
		Resource: r.Resource,
		Response: &BundleResponse{
			Status:       StatusLine(status),
			Location:     fmt.Sprintf("%s/%s/_history/%d", resourceType, r.ID, r.VersionID),
			Etag:         ETag(r.VersionID),
			LastModified: &lastModified,
		},
	}
}

func parseOps(entries []BundleEntry) ([]*bundleOp, error) {
	ops := make([]*bundleOp, 0, len(entries))
	for i, e := range entries {
		op, err := parseOp(i, e)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseOp(index int, e BundleEntry) (*bundleOp, error) {
	if e.Request == nil {
		return nil, InvalidDataf("entry %d has no request", index)
	}
	op := &bundleOp{
		index:    index,
		fullURL:  e.FullURL,
		resource: e.Resource,
		method:   strings.ToUpper(e.Request.Method),
	}
	if e.Request.IfNoneExist != "" {
		op.ifNoneExist = e.Request.IfNoneExist
	}

	raw := strings.TrimPrefix(e.Request.URL, "/")
	if q := strings.IndexByte(raw, '?'); q >= 0 {
		op.query = raw[q+1:]
		raw = raw[:q]
	}
	parts := strings.Split(strings.TrimSuffix(raw, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		op.resourceType = parts[0]
	case len(parts) == 2:
		op.resourceType, op.id = parts[0], parts[1]
	case len(parts) == 4 && parts[2] == "_history":
		op.resourceType, op.id, op.versionID = parts[0], parts[1], parts[3]
	default:
		return nil, InvalidDataf("entry %d has an unparseable request url %q", index, e.Request.URL)
	}

	switch op.method {
	case "POST":
		if op.id != "" {
			return nil, InvalidDataf("entry %d: POST url must name a type only", index)
		}
		if op.resource == nil {
			return nil, InvalidDataf("entry %d: POST entry has no resource", index)
		}
	case "PUT":
		if op.id == "" {
			return nil, InvalidDataf("entry %d: PUT url must name an id", index)
		}
		if op.resource == nil {
			return nil, InvalidDataf("entry %d: PUT entry has no resource", index)
		}
	case "DELETE":
		if op.id == "" {
			return nil, InvalidDataf("entry %d: DELETE url must name an id", index)
		}
	case "GET":
	default:
		return nil, InvalidDataf("entry %d: method %q is not supported in bundles", index, e.Request.Method)
	}

	seen := map[string]struct{}{}
	collectPlaceholderRefs(op.resource, seen)
	for ref := range seen {
		op.refs = append(op.refs, ref)
	}
	return op, nil
}

func requestURL(op *bundleOp) string {
	if op.id != "" {
		return op.resourceType + "/" + op.id
	}
	return op.resourceType
}

// orderOps topologically sorts transaction entries so every entry runs after
// the entries whose placeholders it references. Among entries with no
// pending dependencies, deletes run first, then creates, then updates, then
// reads, and original order breaks ties. A dependency cycle is an error.
func orderOps(ops []*bundleOp) ([]*bundleOp, error) {
	producer := make(map[string]int, len(ops))
	for _, op := range ops {
		if op.fullURL != "" && (op.method == "POST" || op.method == "PUT") {
			producer[op.fullURL] = op.index
		}
	}

	indegree := make([]int, len(ops))
	dependents := make([][]int, len(ops))
	for _, op := range ops {
		for _, ref := range op.refs {
			from, ok := producer[ref]
			if !ok || from == op.index {
				continue
			}
			dependents[from] = append(dependents[from], op.index)
			indegree[op.index]++
		}
	}

	rank := func(method string) int {
		switch method {
		case "DELETE":
			return 0
		case "POST":
			return 1
		case "PUT":
			return 2
		default:
			return 3
		}
	}

	ordered := make([]*bundleOp, 0, len(ops))
	done := make([]bool, len(ops))
	for len(ordered) < len(ops) {
		next := -1
		for _, op := range ops {
			if done[op.index] || indegree[op.index] > 0 {
				continue
			}
			if next < 0 || rank(op.method) < rank(ops[next].method) {
				next = op.index
			}
		}
		if next < 0 {
			var stuck []string
			for _, op := range ops {
				if !done[op.index] {
					stuck = append(stuck, fmt.Sprintf("entry %d", op.index))
				}
			}
			return nil, InvalidDataf("circular references among bundle entries: %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		ordered = append(ordered, ops[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
	}
	return ordered, nil
}

// collectPlaceholderRefs walks a resource tree gathering every
// reference element that points at a urn:uuid placeholder.
func collectPlaceholderRefs(v any, out map[string]struct{}) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["reference"].(string); ok && IsPlaceholder(ref) {
			out[ref] = struct{}{}
		}
		for _, child := range t {
			collectPlaceholderRefs(child, out)
		}
	case []any:
		for _, child := range t {
			collectPlaceholderRefs(child, out)
		}
	}
}

func responseBundle(bundleType string, entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         bundleType,
		Timestamp:    &now,
		Entry:        entries,
	}
}

func parseQuery(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params, nil
}

func keyOf(r *Result) uuid.UUID {
	key, err := uuid.Parse(r.ID)
	if err != nil {
		return uuid.Nil
	}
	return key
}

func outcomeMap(o *OperationOutcome) map[string]any {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
