// Package manifest implements the persisted build state of spec
// section 6: the serialised Asset Graph, serialised Request Graph, and
// filesystem snapshot file living under a user-selected cache
// directory, addressed by a top-level hash of {entries, targets}; no
// build options are part of that hash.
//
// Grounded on internal/core/pipeline.go's CommonAnalysisResult /
// pb.Metadata pair: a plain Go struct (BuildState, playing
// CommonAnalysisResult's role) that callers build and read, converted
// to and from a small hand-written gogo/protobuf message (Manifest,
// playing pb.Metadata's role) only at the serialisation boundary via
// FillManifest/ManifestToBuildState, the same split
// FillMetadata/MetadataToCommonAnalysisResult draws. Unlike pb.Metadata,
// Manifest has no generated .pb.go: it is small enough to hand-write
// with protobuf struct tags and rely on gogo/protobuf/proto's
// reflection-based Marshal/Unmarshal, the same way hercules hand-wrote
// proto.Message implementations for types too small to warrant a
// dedicated .proto (see internal/rbtree's absence of one, or the
// research leaves' ad hoc result types).
package manifest

import (
	"github.com/gogo/protobuf/proto"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/diagnostics"
)

// Manifest is the wire format of a build's persisted state, keyed by
// Hash. It implements proto.Message by hand.
type Manifest struct {
	Hash             string   `protobuf:"bytes,1,opt,name=hash,proto3" json:"hash,omitempty"`
	Entries          []string `protobuf:"bytes,2,rep,name=entries,proto3" json:"entries,omitempty"`
	Targets          []string `protobuf:"bytes,3,rep,name=targets,proto3" json:"targets,omitempty"`
	ForgeVersion     string   `protobuf:"bytes,4,opt,name=forge_version,json=forgeVersion,proto3" json:"forge_version,omitempty"`
	AssetGraphKey    string   `protobuf:"bytes,5,opt,name=asset_graph_key,json=assetGraphKey,proto3" json:"asset_graph_key,omitempty"`
	RequestGraphKey  string   `protobuf:"bytes,6,opt,name=request_graph_key,json=requestGraphKey,proto3" json:"request_graph_key,omitempty"`
	SnapshotKey      string   `protobuf:"bytes,7,opt,name=snapshot_key,json=snapshotKey,proto3" json:"snapshot_key,omitempty"`
	CreatedUnix      int64    `protobuf:"varint,8,opt,name=created_unix,json=createdUnix,proto3" json:"created_unix,omitempty"`
}

func (m *Manifest) Reset()         { *m = Manifest{} }
func (m *Manifest) String() string { return proto.CompactTextString(m) }
func (*Manifest) ProtoMessage()    {}

// BuildState is the logical, non-wire view of a build's persisted
// state that the rest of forge constructs and reads; Manifest only
// exists at the Store boundary.
type BuildState struct {
	Entries         []string
	Targets         []string
	ForgeVersion    string
	AssetGraphKey   string
	RequestGraphKey string
	SnapshotKey     string
	CreatedUnix     int64
}

// Key computes the top-level hash a BuildState is addressed by: spec
// section 6's "keyed by a top-level hash of {entries, targets,
// impactful options}". impactfulOptions is the caller's flattened,
// order-stable representation of whichever configuration fields affect
// cache validity (e.g. mode, target list, env var names).
func Key(entries, targets []string, impactfulOptions []string) string {
	var buf []byte
	join := func(parts []string) {
		for _, p := range parts {
			buf = append(buf, p...)
			buf = append(buf, 0)
		}
		buf = append(buf, 0)
	}
	join(entries)
	join(targets)
	join(impactfulOptions)
	return cache.Fingerprint(buf)
}

// FillManifest copies s into meta and returns it, mirroring
// CommonAnalysisResult.FillMetadata's copy-then-return shape.
// meta.Hash is Key over s.Entries and s.Targets only: BuildState holds
// no impactful options, so none are folded into the hash Save stores
// the manifest under.
func (s *BuildState) FillManifest(meta *Manifest) *Manifest {
	meta.Hash = Key(s.Entries, s.Targets, nil)
	meta.Entries = append([]string(nil), s.Entries...)
	meta.Targets = append([]string(nil), s.Targets...)
	meta.ForgeVersion = s.ForgeVersion
	meta.AssetGraphKey = s.AssetGraphKey
	meta.RequestGraphKey = s.RequestGraphKey
	meta.SnapshotKey = s.SnapshotKey
	meta.CreatedUnix = s.CreatedUnix
	return meta
}

// ManifestToBuildState is the inverse of FillManifest, mirroring
// MetadataToCommonAnalysisResult.
func ManifestToBuildState(meta *Manifest) *BuildState {
	return &BuildState{
		Entries:         append([]string(nil), meta.Entries...),
		Targets:         append([]string(nil), meta.Targets...),
		ForgeVersion:    meta.ForgeVersion,
		AssetGraphKey:   meta.AssetGraphKey,
		RequestGraphKey: meta.RequestGraphKey,
		SnapshotKey:     meta.SnapshotKey,
		CreatedUnix:     meta.CreatedUnix,
	}
}

// cacheKeyPrefix namespaces manifest blobs within the shared cache so
// they cannot collide with packager or pluginconfig entries.
const cacheKeyPrefix = "manifest:"

// Store persists and recalls BuildStates by their Key, through the
// same content-addressed Cache every other runner shares.
type Store struct {
	cache *cache.Cache
}

// NewStore returns a Store backed by c.
func NewStore(c *cache.Cache) *Store {
	return &Store{cache: c}
}

// Save marshals s's Manifest form and writes it under its own Key.
func (st *Store) Save(s *BuildState) (string, error) {
	meta := s.FillManifest(&Manifest{})
	data, err := proto.Marshal(meta)
	if err != nil {
		return "", diagnostics.Wrap(diagnostics.CacheError, "manifest", err, "marshal build manifest")
	}
	if err := st.cache.SetBlob(cacheKeyPrefix+meta.Hash, data); err != nil {
		return "", diagnostics.Wrap(diagnostics.CacheError, "manifest", err, "writing build manifest %s", meta.Hash)
	}
	return meta.Hash, nil
}

// Load recalls the BuildState previously saved under hash, reporting
// ok=false on a cache miss rather than an error.
func (st *Store) Load(hash string) (*BuildState, bool, error) {
	data, ok, err := st.cache.GetBlob(cacheKeyPrefix + hash)
	if err != nil {
		return nil, false, diagnostics.Wrap(diagnostics.CacheError, "manifest", err, "reading build manifest %s", hash)
	}
	if !ok {
		return nil, false, nil
	}
	meta := &Manifest{}
	if err := proto.Unmarshal(data, meta); err != nil {
		return nil, false, diagnostics.Wrap(diagnostics.CacheError, "manifest", err, "unmarshal build manifest %s", hash)
	}
	return ManifestToBuildState(meta), true, nil
}
