package static

import (
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

func init() {
	sources.Register(sources.SourceTypeStatic, New)
}
