package httpjson

import (
	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

func init() {
	sources.Register(sources.SourceTypeHTTPJSON, New)
}
