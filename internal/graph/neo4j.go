// Package graph keeps the entity directory in Neo4j: entities with their
// aliases, and MENTIONS edges from memories to the entities they relate to.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/memory"
)

// Directory handles Neo4j operations for entities and memory links.
type Directory struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a Directory. An empty user connects without authentication.
func New(uri, user, password string, logger *zap.Logger) (*Directory, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Directory{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (d *Directory) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (d *Directory) Ping(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the queries rely on.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure neo4j schema: %w", err)
		}
	}
	return nil
}

// UpsertEntity creates or replaces an entity node.
func (d *Directory) UpsertEntity(ctx context.Context, e *memory.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	session := d.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (e:Entity {id: $id})
		 SET e.type = $type, e.canonical_name = $name,
		     e.aliases = $aliases, e.external_ref = $ref`,
		map[string]interface{}{
			"id":      e.ID,
			"type":    string(e.Type),
			"name":    e.CanonicalName,
			"aliases": aliases,
			"ref":     e.ExternalRef,
		})
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

// ListEntities returns every entity ordered by id.
func (d *Directory) ListEntities(ctx context.Context) ([]*memory.Entity, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Entity)
		 RETURN e.id, e.type, e.canonical_name, e.aliases, e.external_ref
		 ORDER BY e.id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	var entities []*memory.Entity
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("e.id")
		kind, _ := rec.Get("e.type")
		name, _ := rec.Get("e.canonical_name")
		aliases, _ := rec.Get("e.aliases")
		ref, _ := rec.Get("e.external_ref")
		entities = append(entities, &memory.Entity{
			ID:            asString(id),
			Type:          memory.EntityType(asString(kind)),
			CanonicalName: asString(name),
			Aliases:       asStrings(aliases),
			ExternalRef:   asString(ref),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return entities, nil
}

// LinkMemory replaces a memory's MENTIONS edges with links to entityIDs.
// Unknown entity ids are ignored.
func (d *Directory) LinkMemory(ctx context.Context, memoryID string, entityIDs []string) error {
	if entityIDs == nil {
		entityIDs = []string{}
	}
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (m:Memory {id: $memId})
		 WITH m
		 OPTIONAL MATCH (m)-[old:MENTIONS]->(:Entity)
		 DELETE old
		 WITH DISTINCT m
		 UNWIND $entityIds AS eid
		 MATCH (e:Entity {id: eid})
		 MERGE (m)-[:MENTIONS]->(e)`,
		map[string]interface{}{"memId": memoryID, "entityIds": entityIDs})
	if err != nil {
		return fmt.Errorf("link memory %s: %w", memoryID, err)
	}
	return nil
}

// MemoryIDsByEntities returns the ids of memories mentioning any of entityIDs.
func (d *Directory) MemoryIDsByEntities(ctx context.Context, entityIDs []string) ([]string, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory)-[:MENTIONS]->(e:Entity)
		 WHERE e.id IN $entityIds
		 RETURN DISTINCT m.id ORDER BY m.id`,
		map[string]interface{}{"entityIds": entityIDs})
	if err != nil {
		return nil, fmt.Errorf("memories by entities: %w", err)
	}

	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("m.id")
		ids = append(ids, asString(id))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("memories by entities: %w", err)
	}
	return ids, nil
}

// Sync copies the entities and memory links held by src into the graph.
func (d *Directory) Sync(ctx context.Context, src memory.Store) error {
	entities, err := src.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("sync entities: %w", err)
	}
	for _, e := range entities {
		if err := d.UpsertEntity(ctx, e); err != nil {
			return err
		}
	}

	memories, err := src.ListMemories(ctx)
	if err != nil {
		return fmt.Errorf("sync memories: %w", err)
	}
	for _, m := range memories {
		if err := d.LinkMemory(ctx, m.ID, m.RelatedEntities); err != nil {
			return err
		}
	}
	d.logger.Info("entity graph synced",
		zap.Int("entities", len(entities)),
		zap.Int("memories", len(memories)))
	return nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ memory.EntityDirectory = (*Directory)(nil)
