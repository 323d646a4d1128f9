package lsm

// CompactionChoice is a strategy's decision: merge the segments at
// SourceLevel named by SourceIDs (together with whatever segments at
// TargetLevel overlap their combined key range) down into TargetLevel.
// A nil choice means nothing needs compacting right now.
type CompactionChoice struct {
	SourceLevel int
	SourceIDs   []string
	TargetLevel int
	IsBottom    bool // true when TargetLevel is the manifest's last level
}

// Strategy decides what, if anything, a compaction worker should merge
// next. Leveled is the default; Major forces one compaction of
// everything into the bottom level on demand.
type Strategy interface {
	Pick(manifest *LevelManifest, cfg LeveledConfig) *CompactionChoice
}

// LeveledConfig parameterizes the Leveled strategy.
type LeveledConfig struct {
	L0CompactionThreshold int   // L0 files that trigger L0->L1
	LevelBaseSize         int64 // target byte size of L1
	LevelSizeRatio        int64 // each level's target size multiplies by this over the previous
}

// DefaultLeveledConfig matches spec.md's defaults: a
// 256MiB level base size, a 10x ratio between levels, and an L0
// compaction threshold of 4 files.
func DefaultLeveledConfig() LeveledConfig {
	return LeveledConfig{
		L0CompactionThreshold: 4,
		LevelBaseSize:         256 * 1024 * 1024,
		LevelSizeRatio:        10,
	}
}

// Leveled is the default compaction strategy: L0 (append-ordered,
// overlapping) compacts into L1 once it accumulates
// L0CompactionThreshold files; each level n>=1 compacts into n+1 once
// its total size exceeds LevelBaseSize * LevelSizeRatio^(n-1).
// Grounded on the teacher's maxL0Files/lN MaxSize level thresholds in
// levels.go, generalized from fixed byte constants to a size-ratio
// progression.
type Leveled struct{}

func (Leveled) Pick(manifest *LevelManifest, cfg LeveledConfig) *CompactionChoice {
	numLevels := manifest.NumLevels()

	if !manifest.IsCompacting(0) {
		ids := idsOf(manifest.Segments(0))
		if len(ids) >= cfg.L0CompactionThreshold {
			return &CompactionChoice{
				SourceLevel: 0,
				SourceIDs:   ids,
				TargetLevel: 1,
				IsBottom:    numLevels == 1,
			}
		}
	}

	targetSize := cfg.LevelBaseSize
	for level := 1; level < numLevels-1; level++ {
		if !manifest.IsCompacting(level) && manifest.LevelSize(level) > targetSize {
			ids := idsOf(manifest.Segments(level))
			if len(ids) > 0 {
				return &CompactionChoice{
					SourceLevel: level,
					SourceIDs:   ids,
					TargetLevel: level + 1,
					IsBottom:    level+1 == numLevels-1,
				}
			}
		}
		targetSize *= cfg.LevelSizeRatio
	}

	return nil
}

// Major forces a single compaction of every live segment across every
// level down into the bottom level, dropping tombstones. Used by
// DoMajorCompaction for an on-demand full merge.
type Major struct{}

func (Major) Pick(manifest *LevelManifest, cfg LeveledConfig) *CompactionChoice {
	numLevels := manifest.NumLevels()
	bottom := numLevels - 1

	var ids []string
	anyOutsideBottom := false
	for level := 0; level < numLevels; level++ {
		segs := idsOf(manifest.Segments(level))
		if level != bottom && len(segs) > 0 {
			anyOutsideBottom = true
		}
		ids = append(ids, segs...)
	}
	if !anyOutsideBottom || len(ids) == 0 {
		return nil
	}

	return &CompactionChoice{
		SourceLevel: -1, // spans every level; compaction.go treats -1 as "all levels"
		SourceIDs:   ids,
		TargetLevel: bottom,
		IsBottom:    true,
	}
}
