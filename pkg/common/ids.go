package common

import (
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cast"
)

var (
	idNode *snowflake.Node
	idOnce sync.Once
)

// NextID returns a cluster-unique int64 id. The snowflake node id is taken
// from WABLAST_NODE_ID so multiple instances never collide.
func NextID() int64 {
	idOnce.Do(func() {
		node := cast.ToInt64(os.Getenv("WABLAST_NODE_ID")) % 1024
		n, err := snowflake.NewNode(node)
		if err != nil {
			panic(err)
		}
		idNode = n
	})
	return idNode.Generate().Int64()
}
