package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/factory"
	"github.com/lychee-technology/keel/internal"
)

type options struct {
	host       string
	port       int
	database   string
	user       string
	password   string
	sslMode    string
	schemaDir  string
	parentType string
	childType  string
	children   int
	saves      int
	workers    int
	groupSize  int
	seed       int64
}

func main() {
	log.SetFlags(0)
	opts := parseFlags()
	ctx := context.Background()

	registry, err := internal.LoadSchemaDirectory(opts.schemaDir)
	if err != nil {
		log.Fatalf("failed to load schemas from %s: %v", opts.schemaDir, err)
	}
	gen, err := newGraphGenerator(registry, opts.parentType, opts.childType, opts.children)
	if err != nil {
		log.Fatalf("%v", err)
	}

	config := keel.DefaultConfig()
	config.Metrics.Enabled = false
	config.SchemaRegistry = registry
	config.KeyGeneration.GroupSize = opts.groupSize
	config.Database.Host = opts.host
	config.Database.Port = opts.port
	config.Database.Database = opts.database
	config.Database.Username = opts.user
	config.Database.Password = opts.password
	config.Database.SSLMode = opts.sslMode
	config.Database.MaxConnections = opts.workers + 2
	config.Database.TableNames.ChangeLog = getenvDefault("CHANGE_LOG_TABLE", "")

	pool, err := factory.NewPool(ctx, config.Database)
	if err != nil {
		log.Fatalf("failed to create connection pool: %v", err)
	}
	defer pool.Close()

	manager, err := factory.NewSaveManagerWithConfig(config, pool)
	if err != nil {
		log.Fatalf("failed to create save manager: %v", err)
	}

	log.Printf("[info] %d saves of 1 %s + %d %s, %d workers, seed %d",
		opts.saves, opts.parentType, opts.children, opts.childType, opts.workers, opts.seed)

	stats := run(ctx, manager, gen, config.SaveOptions(), opts)
	stats.report()
}

// graphGenerator builds change sets of one parent plus children that point
// at it through their first navigation to the parent type.
type graphGenerator struct {
	parent   *keel.EntityType
	child    *keel.EntityType
	fkPath   []string
	children int
	// unlinked lists foreign keys per type that random values must not fill.
	unlinked map[string][]string
}

func newGraphGenerator(registry keel.SchemaRegistry, parentName, childName string, children int) (*graphGenerator, error) {
	parent, ok := registry.EntityType(parentName)
	if !ok {
		return nil, fmt.Errorf("entity type %s not found", parentName)
	}
	g := &graphGenerator{parent: parent, unlinked: make(map[string][]string)}
	g.unlinked[parentName] = allForeignKeys(registry, parent)
	if childName == "" || children <= 0 {
		return g, nil
	}
	child, ok := registry.EntityType(childName)
	if !ok {
		return nil, fmt.Errorf("entity type %s not found", childName)
	}
	for _, nav := range child.Navigations {
		if nav.Target != parentName {
			continue
		}
		if fks, ok := registry.RelationshipMap().ForeignKeys(childName, nav.Path()); ok {
			g.fkPath = fks
			break
		}
	}
	if g.fkPath == nil {
		return nil, fmt.Errorf("%s has no navigation to %s", childName, parentName)
	}
	g.child = child
	g.children = children
	g.unlinked[childName] = allForeignKeys(registry, child)
	return g, nil
}

func allForeignKeys(registry keel.SchemaRegistry, et *keel.EntityType) []string {
	var out []string
	for _, nav := range et.Navigations {
		fks, _ := registry.RelationshipMap().ForeignKeys(et.Name, nav.Path())
		out = append(out, fks...)
	}
	return out
}

func (g *graphGenerator) newEntity(r *rand.Rand, et *keel.EntityType) *keel.Entity {
	e := keel.NewEntity(et.Name, randomValues(r, et.Properties))
	for _, fk := range g.unlinked[et.Name] {
		e.Set(fk, nil)
	}
	return e
}

// next returns a change set whose temporary keys start at -(base+1).
func (g *graphGenerator) next(r *rand.Rand, base int64) *keel.ChangeSet {
	cs := keel.NewChangeSet()
	parentKey := -(base + 1)
	parent := g.newEntity(r, g.parent)
	setTempKey(g.parent, parent, parentKey)
	cs.MustAdd(&keel.EntityRecord{Entity: parent, EntityState: keel.EntityStateAdded})

	for i := 0; i < g.children; i++ {
		child := g.newEntity(r, g.child)
		setTempKey(g.child, child, parentKey-int64(i)-1)
		for _, fk := range g.fkPath {
			child.Set(fk, parent.Get(g.parent.KeyProperties[0]))
		}
		cs.MustAdd(&keel.EntityRecord{Entity: child, EntityState: keel.EntityStateAdded})
	}
	return cs
}

func setTempKey(et *keel.EntityType, e *keel.Entity, temp int64) {
	if et.KeyGeneration == keel.KeyGenerationNone {
		return
	}
	prop, _ := et.Property(et.KeyProperties[0])
	switch prop.Type {
	case keel.ValueTypeUUID:
		e.Set(prop.Name, uuid.Nil)
	case keel.ValueTypeText:
		e.Set(prop.Name, strconv.FormatInt(temp, 10))
	default:
		e.Set(prop.Name, temp)
	}
}

func randomValues(r *rand.Rand, props []keel.PropertyDescriptor) map[string]any {
	values := make(map[string]any, len(props))
	for _, p := range props {
		switch p.Type {
		case keel.ValueTypeText:
			values[p.Name] = fmt.Sprintf("%s-%04d", p.Name, r.Intn(10000))
		case keel.ValueTypeSmallInt, keel.ValueTypeInteger, keel.ValueTypeBigInt:
			values[p.Name] = int64(1 + r.Intn(100))
		case keel.ValueTypeNumeric:
			values[p.Name] = r.Float64() * 100
		case keel.ValueTypeBool:
			values[p.Name] = r.Intn(2) == 0
		case keel.ValueTypeDateTime:
			values[p.Name] = time.Now().UTC().Add(-time.Duration(r.Intn(86400)) * time.Second)
		case keel.ValueTypeUUID:
			values[p.Name] = uuid.New()
		case keel.ValueTypeComponent:
			values[p.Name] = randomValues(r, p.Properties)
		}
	}
	return values
}

type runStats struct {
	elapsed   time.Duration
	latencies []time.Duration
	failed    int
	rejected  int
}

func run(ctx context.Context, manager keel.SaveManager, gen *graphGenerator, saveOpts keel.SaveOptions, opts options) *runStats {
	jobs := make(chan int)
	var mu sync.Mutex
	stats := &runStats{}
	var wg sync.WaitGroup
	start := time.Now()

	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(opts.seed + int64(worker)))
			for range jobs {
				cs := gen.next(r, 0)
				t0 := time.Now()
				result, err := manager.Save(ctx, cs, saveOpts)
				d := time.Since(t0)

				mu.Lock()
				switch {
				case err != nil:
					stats.failed++
					if stats.failed <= 5 {
						log.Printf("[warn] save failed: %v", err)
					}
				case len(result.Entities) == 0 && result.HasErrors():
					stats.rejected++
				default:
					stats.latencies = append(stats.latencies, d)
				}
				mu.Unlock()
			}
		}(w)
	}

	for i := 0; i < opts.saves; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	stats.elapsed = time.Since(start)
	return stats
}

func (s *runStats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(p * float64(len(s.latencies)-1))
	return s.latencies[idx]
}

func (s *runStats) report() {
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	ok := len(s.latencies)
	log.Println("[success] Benchmark complete:")
	log.Printf("  - committed: %d, rejected: %d, failed: %d", ok, s.rejected, s.failed)
	if ok > 0 {
		log.Printf("  - throughput: %.1f saves/s", float64(ok)/s.elapsed.Seconds())
		log.Printf("  - latency p50=%s p95=%s p99=%s max=%s",
			s.percentile(0.50), s.percentile(0.95), s.percentile(0.99), s.latencies[ok-1])
	}
}

func parseFlags() options {
	var opts options

	flag.StringVar(&opts.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flag.IntVar(&opts.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flag.StringVar(&opts.database, "db-name", getenvDefault("DB_NAME", "keel"), "database name")
	flag.StringVar(&opts.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flag.StringVar(&opts.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flag.StringVar(&opts.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flag.StringVar(&opts.schemaDir, "schema-dir", getenvDefault("SCHEMA_DIR", "schemas"), "directory containing entity schemas")
	flag.StringVar(&opts.parentType, "parent", "Customer", "entity type saved once per change set")
	flag.StringVar(&opts.childType, "child", "Order", "entity type referencing the parent")
	flag.IntVar(&opts.children, "children", 3, "children per change set")
	flag.IntVar(&opts.saves, "saves", 1000, "number of saves")
	flag.IntVar(&opts.workers, "workers", 8, "concurrent savers")
	flag.IntVar(&opts.groupSize, "group-size", 100, "ids reserved per counter round trip")
	seed := flag.Int64("seed", 0, "random seed (0 uses current time)")

	flag.Parse()

	opts.seed = *seed
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
	}
	if opts.workers < 1 {
		opts.workers = 1
	}
	return opts
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
