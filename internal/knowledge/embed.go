package knowledge

import _ "embed"

//go:embed docs.yaml
var embeddedDocs []byte
