package services

import (
	"context"
	"encoding/json"
	"fmt"

	"shellac/internal/database"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var graphNodeLabels = map[models.DataType]string{
	models.DataTypeArtists:  "Artist",
	models.DataTypeLabels:   "Label",
	models.DataTypeMasters:  "Master",
	models.DataTypeReleases: "Release",
}

const (
	artistWriteQuery = `
UNWIND $artists AS artist
MERGE (a:Artist {id: artist.id})
SET a.name = artist.name,
    a.sha256 = artist.sha256,
    a.resource_url = 'https://api.discogs.com/artists/' + artist.id,
    a.releases_url = 'https://api.discogs.com/artists/' + artist.id + '/releases'`

	memberEdgeQuery = `
UNWIND $edges AS edge
MATCH (a:Artist {id: edge.from})
MERGE (m:Artist {id: edge.to})
ON CREATE SET m.name = edge.name
MERGE (m)-[:MEMBER_OF]->(a)`

	groupEdgeQuery = `
UNWIND $edges AS edge
MATCH (a:Artist {id: edge.from})
MERGE (g:Artist {id: edge.to})
ON CREATE SET g.name = edge.name
MERGE (a)-[:MEMBER_OF]->(g)`

	aliasEdgeQuery = `
UNWIND $edges AS edge
MATCH (a:Artist {id: edge.from})
MERGE (al:Artist {id: edge.to})
ON CREATE SET al.name = edge.name
MERGE (al)-[:ALIAS_OF]->(a)`

	labelWriteQuery = `
UNWIND $labels AS label
MERGE (l:Label {id: label.id})
SET l.name = label.name,
    l.sha256 = label.sha256`

	parentLabelEdgeQuery = `
UNWIND $edges AS edge
MATCH (l:Label {id: edge.from})
MERGE (p:Label {id: edge.to})
ON CREATE SET p.name = edge.name
MERGE (l)-[:SUBLABEL_OF]->(p)`

	sublabelEdgeQuery = `
UNWIND $edges AS edge
MATCH (l:Label {id: edge.from})
MERGE (s:Label {id: edge.to})
ON CREATE SET s.name = edge.name
MERGE (s)-[:SUBLABEL_OF]->(l)`

	masterWriteQuery = `
UNWIND $masters AS master
MERGE (m:Master {id: master.id})
SET m.title = master.title,
    m.year = master.year,
    m.sha256 = master.sha256`

	masterArtistEdgeQuery = `
UNWIND $edges AS edge
MATCH (m:Master {id: edge.from})
MERGE (a:Artist {id: edge.to})
ON CREATE SET a.name = edge.name
MERGE (m)-[:BY]->(a)`

	masterGenreEdgeQuery = `
UNWIND $edges AS edge
MATCH (m:Master {id: edge.from})
MERGE (g:Genre {name: edge.name})
MERGE (m)-[:IS]->(g)`

	masterStyleEdgeQuery = `
UNWIND $edges AS edge
MATCH (m:Master {id: edge.from})
MERGE (s:Style {name: edge.name})
MERGE (m)-[:IS]->(s)`

	releaseWriteQuery = `
UNWIND $releases AS release
MERGE (r:Release {id: release.id})
SET r.title = release.title,
    r.sha256 = release.sha256`

	releaseArtistEdgeQuery = `
UNWIND $edges AS edge
MATCH (r:Release {id: edge.from})
MERGE (a:Artist {id: edge.to})
ON CREATE SET a.name = edge.name
MERGE (r)-[:BY]->(a)`

	releaseLabelEdgeQuery = `
UNWIND $edges AS edge
MATCH (r:Release {id: edge.from})
MERGE (l:Label {id: edge.to})
ON CREATE SET l.name = edge.name
MERGE (r)-[:ON]->(l)`

	releaseMasterEdgeQuery = `
UNWIND $edges AS edge
MATCH (r:Release {id: edge.from})
MERGE (m:Master {id: edge.to})
MERGE (r)-[:DERIVED_FROM]->(m)`

	releaseGenreEdgeQuery = `
UNWIND $edges AS edge
MATCH (r:Release {id: edge.from})
MERGE (g:Genre {name: edge.name})
MERGE (r)-[:IS]->(g)`

	releaseStyleEdgeQuery = `
UNWIND $edges AS edge
MATCH (r:Release {id: edge.from})
MERGE (s:Style {name: edge.name})
MERGE (r)-[:IS]->(s)`

	stylePartOfGenreQuery = `
UNWIND $edges AS edge
MERGE (s:Style {name: edge.style})
MERGE (g:Genre {name: edge.genre})
MERGE (s)-[:PART_OF]->(g)`
)

// GraphService applies record batches to Neo4j, skipping nodes whose stored
// content hash already matches.
type GraphService struct {
	driver neo4j.DriverWithContext
	log    logger.Logger
}

func NewGraphService(db *database.DB) *GraphService {
	return &GraphService{
		driver: db.Graph,
		log:    logger.New("graphService"),
	}
}

func (gs *GraphService) Transient(err error) bool {
	return neo4j.IsRetryable(err)
}

func (gs *GraphService) Apply(ctx context.Context, dataType models.DataType, bodies [][]byte) error {
	session := gs.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		_ = session.Close(ctx)
	}()

	switch dataType {
	case models.DataTypeArtists:
		return gs.applyArtists(ctx, session, bodies)
	case models.DataTypeLabels:
		return gs.applyLabels(ctx, session, bodies)
	case models.DataTypeMasters:
		return gs.applyMasters(ctx, session, bodies)
	case models.DataTypeReleases:
		return gs.applyReleases(ctx, session, bodies)
	}
	return fmt.Errorf("no graph mapping for data type %s", dataType)
}

// graphStatement is one parameterized batch query inside the write
// transaction. Statements with no rows are skipped.
type graphStatement struct {
	query string
	key   string
	rows  []map[string]any
}

func (gs *GraphService) writeStatements(
	ctx context.Context,
	session neo4j.SessionWithContext,
	statements []graphStatement,
) error {
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, statement := range statements {
			if len(statement.rows) == 0 {
				continue
			}

			result, err := tx.Run(ctx, statement.query, map[string]any{statement.key: statement.rows})
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// changedSet probes stored hashes for a node label and returns the ids whose
// incoming hash differs or which do not exist yet.
func (gs *GraphService) changedSet(
	ctx context.Context,
	session neo4j.SessionWithContext,
	nodeLabel string,
	incoming map[string]string,
) (map[string]bool, error) {
	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}

	query := fmt.Sprintf(
		`UNWIND $ids AS id OPTIONAL MATCH (n:%s {id: id}) RETURN id, n.sha256 AS hash`,
		nodeLabel,
	)

	stored, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}

		hashes := make(map[string]string)
		for result.Next(ctx) {
			record := result.Record()
			id, _ := record.Values[0].(string)
			if hash, ok := record.Values[1].(string); ok {
				hashes[id] = hash
			}
		}
		return hashes, result.Err()
	})
	if err != nil {
		return nil, err
	}

	existing := stored.(map[string]string)
	changed := make(map[string]bool, len(incoming))
	for id, hash := range incoming {
		if existing[id] != hash {
			changed[id] = true
		}
	}
	return changed, nil
}

func (gs *GraphService) applyArtists(
	ctx context.Context,
	session neo4j.SessionWithContext,
	bodies [][]byte,
) error {
	log := gs.log.Function("applyArtists")

	var records []models.ArtistRecord
	incoming := make(map[string]string)
	for _, body := range bodies {
		var record models.ArtistRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("malformed artist record: %w", err)
		}
		records = append(records, record)
		incoming[record.ID] = record.SHA256
	}

	changed, err := gs.changedSet(ctx, session, graphNodeLabels[models.DataTypeArtists], incoming)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		log.Debug("Batch unchanged, skipping", "size", len(records))
		return nil
	}

	var artists, memberEdges, groupEdges, aliasEdges []map[string]any
	for _, record := range records {
		if !changed[record.ID] {
			continue
		}

		artists = append(artists, map[string]any{
			"id":     record.ID,
			"name":   record.Name,
			"sha256": record.SHA256,
		})
		memberEdges = appendRefEdges(memberEdges, record.ID, record.Members)
		groupEdges = appendRefEdges(groupEdges, record.ID, record.Groups)
		aliasEdges = appendRefEdges(aliasEdges, record.ID, record.Aliases)
	}

	return gs.writeStatements(ctx, session, []graphStatement{
		{artistWriteQuery, "artists", artists},
		{memberEdgeQuery, "edges", memberEdges},
		{groupEdgeQuery, "edges", groupEdges},
		{aliasEdgeQuery, "edges", aliasEdges},
	})
}

func (gs *GraphService) applyLabels(
	ctx context.Context,
	session neo4j.SessionWithContext,
	bodies [][]byte,
) error {
	log := gs.log.Function("applyLabels")

	var records []models.LabelRecord
	incoming := make(map[string]string)
	for _, body := range bodies {
		var record models.LabelRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("malformed label record: %w", err)
		}
		records = append(records, record)
		incoming[record.ID] = record.SHA256
	}

	changed, err := gs.changedSet(ctx, session, graphNodeLabels[models.DataTypeLabels], incoming)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		log.Debug("Batch unchanged, skipping", "size", len(records))
		return nil
	}

	var labels, parentEdges, sublabelEdges []map[string]any
	for _, record := range records {
		if !changed[record.ID] {
			continue
		}

		labels = append(labels, map[string]any{
			"id":     record.ID,
			"name":   record.Name,
			"sha256": record.SHA256,
		})
		if record.ParentLabel != nil {
			parentEdges = appendRefEdges(parentEdges, record.ID, []models.Ref{*record.ParentLabel})
		}
		sublabelEdges = appendRefEdges(sublabelEdges, record.ID, record.Sublabels)
	}

	return gs.writeStatements(ctx, session, []graphStatement{
		{labelWriteQuery, "labels", labels},
		{parentLabelEdgeQuery, "edges", parentEdges},
		{sublabelEdgeQuery, "edges", sublabelEdges},
	})
}

func (gs *GraphService) applyMasters(
	ctx context.Context,
	session neo4j.SessionWithContext,
	bodies [][]byte,
) error {
	log := gs.log.Function("applyMasters")

	var records []models.MasterRecord
	incoming := make(map[string]string)
	for _, body := range bodies {
		var record models.MasterRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("malformed master record: %w", err)
		}
		records = append(records, record)
		incoming[record.ID] = record.SHA256
	}

	changed, err := gs.changedSet(ctx, session, graphNodeLabels[models.DataTypeMasters], incoming)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		log.Debug("Batch unchanged, skipping", "size", len(records))
		return nil
	}

	var masters, artistEdges, genreEdges, styleEdges, taxonomyEdges []map[string]any
	for _, record := range records {
		if !changed[record.ID] {
			continue
		}

		masters = append(masters, map[string]any{
			"id":     record.ID,
			"title":  record.Title,
			"year":   record.Year,
			"sha256": record.SHA256,
		})
		artistEdges = appendRefEdges(artistEdges, record.ID, record.Artists)
		genreEdges = appendNameEdges(genreEdges, record.ID, record.Genres)
		styleEdges = appendNameEdges(styleEdges, record.ID, record.Styles)
		taxonomyEdges = appendTaxonomyEdges(taxonomyEdges, record.Genres, record.Styles)
	}

	return gs.writeStatements(ctx, session, []graphStatement{
		{masterWriteQuery, "masters", masters},
		{masterArtistEdgeQuery, "edges", artistEdges},
		{masterGenreEdgeQuery, "edges", genreEdges},
		{masterStyleEdgeQuery, "edges", styleEdges},
		{stylePartOfGenreQuery, "edges", taxonomyEdges},
	})
}

func (gs *GraphService) applyReleases(
	ctx context.Context,
	session neo4j.SessionWithContext,
	bodies [][]byte,
) error {
	log := gs.log.Function("applyReleases")

	var records []models.ReleaseRecord
	incoming := make(map[string]string)
	for _, body := range bodies {
		var record models.ReleaseRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("malformed release record: %w", err)
		}
		records = append(records, record)
		incoming[record.ID] = record.SHA256
	}

	changed, err := gs.changedSet(ctx, session, graphNodeLabels[models.DataTypeReleases], incoming)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		log.Debug("Batch unchanged, skipping", "size", len(records))
		return nil
	}

	var releases, artistEdges, labelEdges, masterEdges []map[string]any
	var genreEdges, styleEdges, taxonomyEdges []map[string]any
	for _, record := range records {
		if !changed[record.ID] {
			continue
		}

		releases = append(releases, map[string]any{
			"id":     record.ID,
			"title":  record.Title,
			"sha256": record.SHA256,
		})
		artistEdges = appendRefEdges(artistEdges, record.ID, record.Artists)
		labelEdges = appendRefEdges(labelEdges, record.ID, record.Labels)
		if record.MasterID != "" {
			masterEdges = append(masterEdges, map[string]any{
				"from": record.ID,
				"to":   record.MasterID,
			})
		}
		genreEdges = appendNameEdges(genreEdges, record.ID, record.Genres)
		styleEdges = appendNameEdges(styleEdges, record.ID, record.Styles)
		taxonomyEdges = appendTaxonomyEdges(taxonomyEdges, record.Genres, record.Styles)
	}

	return gs.writeStatements(ctx, session, []graphStatement{
		{releaseWriteQuery, "releases", releases},
		{releaseArtistEdgeQuery, "edges", artistEdges},
		{releaseLabelEdgeQuery, "edges", labelEdges},
		{releaseMasterEdgeQuery, "edges", masterEdges},
		{releaseGenreEdgeQuery, "edges", genreEdges},
		{releaseStyleEdgeQuery, "edges", styleEdges},
		{stylePartOfGenreQuery, "edges", taxonomyEdges},
	})
}

func appendRefEdges(edges []map[string]any, from string, refs []models.Ref) []map[string]any {
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		edges = append(edges, map[string]any{
			"from": from,
			"to":   ref.ID,
			"name": ref.Name,
		})
	}
	return edges
}

func appendNameEdges(edges []map[string]any, from string, names []string) []map[string]any {
	for _, name := range names {
		if name == "" {
			continue
		}
		edges = append(edges, map[string]any{
			"from": from,
			"name": name,
		})
	}
	return edges
}

// appendTaxonomyEdges links each style of a record to the record's primary
// genre, mirroring how the catalog reports styles under genres.
func appendTaxonomyEdges(edges []map[string]any, genres, styles []string) []map[string]any {
	if len(genres) == 0 {
		return edges
	}
	for _, style := range styles {
		edges = append(edges, map[string]any{
			"style": style,
			"genre": genres[0],
		})
	}
	return edges
}
