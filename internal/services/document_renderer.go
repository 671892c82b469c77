package services

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/courseshop/api/internal/domain"
)

const documentContentType = "text/html; charset=utf-8"

// DocumentView is the data every document template is rendered from.
type DocumentView struct {
	Kind         string
	Number       int
	StudentName  string
	StudentEmail string
	CourseTitle  string
	GroupID      string
	Price        int64
	BeginOn      *time.Time
	EndOn        *time.Time
	VacationFrom *time.Time
	VacationTo   *time.Time
	FromGroup    string
	ToGroup      string
	OrderNumber  string
	ReceiptNo    string
	Amount       int64
	IssuedOn     time.Time
}

// DocumentRenderer turns a view into a stored artifact.
type DocumentRenderer interface {
	Render(view DocumentView) ([]byte, error)
}

const documentDoctype = "<!doctype html>\n"

const documentLayout = `<html><head><meta charset="utf-8"><title>{{template "title" .}}</title></head>
<body><article class="document document-{{.Kind}}">
<h1>{{template "title" .}}</h1>
{{template "body" .}}
</article></body></html>`

var documentBodies = map[string][2]string{
	string(domain.DocumentKindContract): {
		`Contract`,
		`<p>Student: {{.StudentName}} ({{.StudentEmail}})</p>
<p>Course: {{.CourseTitle}}, group {{.GroupID}}</p>
<p>Price: {{.Price}}</p>
<p>Period: {{date .BeginOn}} to {{date .EndOn}}</p>`,
	},
	string(domain.DocumentKindPracticeAgreement): {
		`Practice agreement No. {{.Number}}`,
		`<p>Student: {{.StudentName}}</p>
<p>Course: {{.CourseTitle}}</p>`,
	},
	string(domain.DocumentKindQuestionnaire): {
		`Student questionnaire`,
		`<p>Full name: {{.StudentName}}</p>
<p>Email: {{.StudentEmail}}</p>
<p>Course: {{.CourseTitle}}</p>`,
	},
	string(domain.DocumentKindVacationOrder): {
		`Academic vacation order`,
		`<p>Student: {{.StudentName}}</p>
<p>Course: {{.CourseTitle}}, group {{.GroupID}}</p>
<p>Vacation: {{date .VacationFrom}} to {{date .VacationTo}}</p>`,
	},
	string(domain.DocumentKindGroupTransferOrder): {
		`Change of group order`,
		`<p>Student: {{.StudentName}}</p>
<p>Course: {{.CourseTitle}}</p>
<p>From group {{.FromGroup}} to group {{.ToGroup}}</p>`,
	},
	receiptDocumentKind: {
		`Payment receipt {{.ReceiptNo}}`,
		`<p>Order: {{.OrderNumber}}</p>
<p>Payer: {{.StudentName}}</p>
<p>Amount: {{.Amount}}</p>
<p>Issued: {{date .IssuedOn}}</p>`,
	},
}

const receiptDocumentKind = "receipt"

type htmlDocumentRenderer struct {
	templates map[string]*template.Template
	policy    *bluemonday.Policy
}

// NewHTMLDocumentRenderer parses the built-in document templates.
func NewHTMLDocumentRenderer() (DocumentRenderer, error) {
	funcs := template.FuncMap{"date": formatDocumentDate}
	templates := make(map[string]*template.Template, len(documentBodies))
	for kind, parts := range documentBodies {
		tmpl, err := template.New(kind).Funcs(funcs).Parse(documentLayout)
		if err != nil {
			return nil, fmt.Errorf("document renderer: parse layout: %w", err)
		}
		if _, err := tmpl.New("title").Parse(parts[0]); err != nil {
			return nil, fmt.Errorf("document renderer: parse %s title: %w", kind, err)
		}
		if _, err := tmpl.New("body").Parse(parts[1]); err != nil {
			return nil, fmt.Errorf("document renderer: parse %s body: %w", kind, err)
		}
		templates[kind] = tmpl
	}

	policy := bluemonday.UGCPolicy()
	policy.AllowElements("html", "head", "body", "title", "meta", "article")
	policy.AllowAttrs("charset").OnElements("meta")
	policy.AllowAttrs("class").OnElements("article")
	return &htmlDocumentRenderer{templates: templates, policy: policy}, nil
}

func (r *htmlDocumentRenderer) Render(view DocumentView) ([]byte, error) {
	tmpl, ok := r.templates[view.Kind]
	if !ok {
		return nil, fmt.Errorf("document renderer: no template for %q", view.Kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("document renderer: render %s: %w", view.Kind, err)
	}
	// The sanitiser drops doctypes, so it is prepended afterwards.
	return append([]byte(documentDoctype), r.policy.SanitizeBytes(buf.Bytes())...), nil
}

func formatDocumentDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("02.01.2006")
	case *time.Time:
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.UTC().Format("02.01.2006")
	}
	return "-"
}
