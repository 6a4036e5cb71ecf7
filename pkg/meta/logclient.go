package meta

import (
	"go.uber.org/zap"
)

// LogClient is the Client used when the node runs without a meta-server
// connection (standalone operation, tooling): every op is logged, and
// evacuation batches are acknowledged so operator-driven drains still
// complete.
type LogClient struct {
	Logger *zap.Logger
}

func (c *LogClient) CorruptChunk(ev CorruptChunkEvent) {
	c.Logger.Warn("corrupt chunk report",
		zap.Int64("file", int64(ev.FileID)),
		zap.Int("chunks", len(ev.ChunkIDs)),
		zap.String("dir", ev.Dir),
		zap.Bool("is_lost", ev.IsLost))
}

func (c *LogClient) EvacuateChunks(req EvacuateRequest, done func(EvacuateReply)) {
	c.Logger.Info("evacuate chunks request",
		zap.String("dir", req.Stats.Dir),
		zap.Int("chunks", len(req.ChunkIDs)),
		zap.Int64("used_space", req.Stats.UsedSpace))
	done(EvacuateReply{})
}
