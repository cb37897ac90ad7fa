package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/duckmesh/askmesh/internal/catalog"
	"github.com/duckmesh/askmesh/internal/config"
	"github.com/duckmesh/askmesh/internal/memory"
	"github.com/duckmesh/askmesh/internal/pipeline"
	"github.com/duckmesh/askmesh/internal/query"
	"github.com/duckmesh/askmesh/internal/storage"
)

type fakePipeline struct {
	run     func(ctx context.Context, tenantID, question string) pipeline.Result
	schema  pipeline.SchemaInfo
	execute func(tenantID, sqlText string) ([]query.ResultSet, error)

	mu        sync.Mutex
	questions []string
}

func (p *fakePipeline) Run(ctx context.Context, tenantID, question string) pipeline.Result {
	p.mu.Lock()
	p.questions = append(p.questions, question)
	p.mu.Unlock()
	if p.run == nil {
		return pipeline.Result{Outcome: pipeline.OutcomeAnswered, FinalAnswer: "42", ResultSets: []query.ResultSet{}}
	}
	return p.run(ctx, tenantID, question)
}

func (p *fakePipeline) Schema(_ context.Context, tenantID string) (pipeline.SchemaInfo, error) {
	info := p.schema
	info.TenantID = tenantID
	return info, nil
}

func (p *fakePipeline) Execute(_ context.Context, tenantID, sqlText string) ([]query.ResultSet, error) {
	if p.execute == nil {
		return nil, errors.New("execute not configured")
	}
	return p.execute(tenantID, sqlText)
}

type inMemoryTableCatalog struct {
	mu     sync.Mutex
	nextID int64
	tables map[string]catalog.TableDef
	files  []catalog.DataFileEntry
}

func newInMemoryTableCatalog() *inMemoryTableCatalog {
	return &inMemoryTableCatalog{
		nextID: 1,
		tables: map[string]catalog.TableDef{},
	}
}

func tableKey(tenantID, tableName string) string {
	return tenantID + "/" + tableName
}

func (r *inMemoryTableCatalog) ListTables(_ context.Context, tenantID string) ([]catalog.TableDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.TableDef, 0)
	for _, table := range r.tables {
		if table.TenantID == tenantID {
			out = append(out, table)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (r *inMemoryTableCatalog) ListDataFiles(_ context.Context, tenantID string) ([]catalog.DataFileEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.DataFileEntry, 0)
	for _, file := range r.files {
		table := r.tables[tableKey(tenantID, file.TableName)]
		if table.TableID == file.TableID {
			out = append(out, file)
		}
	}
	return out, nil
}

func (r *inMemoryTableCatalog) RegisterTable(_ context.Context, in catalog.CreateTableInput, files []catalog.RegisterDataFileInput) (catalog.TableDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tableKey(in.TenantID, in.TableName)
	if _, exists := r.tables[key]; exists {
		return catalog.TableDef{}, catalog.ErrAlreadyExists
	}
	table := catalog.TableDef{
		TableID:     r.nextID,
		TenantID:    in.TenantID,
		TableName:   in.TableName,
		Description: in.Description,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	r.nextID++
	r.tables[key] = table
	for i, file := range files {
		r.files = append(r.files, catalog.DataFileEntry{
			TableID:       table.TableID,
			TableName:     table.TableName,
			FileID:        int64(i + 1),
			Path:          file.Path,
			Format:        file.Format,
			FileSizeBytes: file.FileSizeBytes,
			RecordCount:   file.RecordCount,
		})
	}
	return table, nil
}

func (r *inMemoryTableCatalog) DeleteTableByName(_ context.Context, tenantID, tableName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tableKey(tenantID, tableName)
	if _, ok := r.tables[key]; !ok {
		return false, nil
	}
	delete(r.tables, key)
	return true, nil
}

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memoryObjectStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = payload
	s.types[key] = opts.ContentType
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (s *memoryObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (s *memoryObjectStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func newCorrectionLog(corrections ...memory.Correction) *memory.Memory {
	mem, err := memory.New(context.Background(), nil, memory.Options{Capacity: 5})
	if err != nil {
		panic(err)
	}
	for _, correction := range corrections {
		if _, err := mem.Record(context.Background(), correction); err != nil {
			panic(err)
		}
	}
	return mem
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
