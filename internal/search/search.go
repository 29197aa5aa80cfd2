package search

// Field selects which line column a query matches against.
type Field string

const (
	FieldToken Field = "token"
	FieldPOS   Field = "pos"
	FieldMorph Field = "morph"
	FieldLemma Field = "lemma"
	FieldNorm  Field = "norm"
)

func ParseField(value string) (Field, bool) {
	switch Field(value) {
	case "":
		return FieldToken, true
	case FieldToken, FieldPOS, FieldMorph, FieldLemma, FieldNorm:
		return Field(value), true
	default:
		return "", false
	}
}

// Hit is a single matching line returned to the caller.
type Hit struct {
	LineID       int64  `json:"lineId"`
	DocumentID   int64  `json:"documentId"`
	DocumentName string `json:"documentName"`
	Position     int    `json:"position"`
	Token        string `json:"token"`
	POS          string `json:"pos"`
	Lemma        string `json:"lemma"`
	Norm         string `json:"norm"`
	Snippet      string `json:"snippet,omitempty"`
}

// Query describes a search request. Zero ids do not filter.
type Query struct {
	Text       string
	Field      Field
	DocumentID int64
	ProjectID  int64
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Hits  []Hit  `json:"hits"`
	Total int    `json:"total"`
	Query string `json:"query"`
}

// LineRecord is the data we index for one line.
type LineRecord struct {
	ID           string `json:"id"`
	LineID       int64  `json:"lineId"`
	DocumentID   int64  `json:"documentId"`
	DocumentName string `json:"documentName"`
	ProjectID    int64  `json:"projectId"`
	Position     int    `json:"position"`
	Token        string `json:"token"`
	POS          string `json:"pos"`
	Morph        string `json:"morph"`
	Lemma        string `json:"lemma"`
	Norm         string `json:"norm"`
}

const defaultLimit = 20

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
