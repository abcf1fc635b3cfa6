package export

// Sheet describes an attendance sheet: a title, a few "label: value" lines and a table.
type Sheet struct {
	Title   string
	Meta    []MetaLine
	Headers []string
	Rows    [][]string
}

// MetaLine is a single label/value pair printed above the table.
type MetaLine struct {
	Label string
	Value string
}

// Renderer turns a sheet into a file body.
type Renderer interface {
	Render(sheet Sheet) ([]byte, error)
	ContentType() string
	Extension() string
}
