package peer

import (
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

func init() {
	sources.Register(sources.SourceTypePeer, New)
}
