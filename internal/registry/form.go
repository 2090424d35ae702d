package registry

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ASP.NET state fields carried from the form page into the submission.
var stateTokens = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

// Form field ids on the lookup page.
const (
	FieldCedula  = "ContentPlaceHolder1_TextBox1"
	FieldDay     = "ContentPlaceHolder1_DropDownList1"
	FieldMonth   = "ContentPlaceHolder1_DropDownList2"
	FieldYear    = "ContentPlaceHolder1_DropDownList3"
	FieldCaptcha = "ContentPlaceHolder1_TextBox2"
	FieldSubmit  = "ContentPlaceHolder1_Button1"
)

// Form is one parsed instance of the lookup page. It is bound to the session
// that fetched it.
type Form struct {
	PageURL    string
	ActionURL  string
	CaptchaURL string

	// Tokens holds the ASP.NET state values by input id ("" when absent).
	Tokens map[string]string

	// hidden holds every hidden input by its name.
	hidden url.Values
	// names maps input ids to their form names.
	names map[string]string
}

// FieldName returns the posted name of the input with id, or id itself.
func (f *Form) FieldName(id string) string {
	if n, ok := f.names[id]; ok && n != "" {
		return n
	}
	return id
}

type parsedPage struct {
	inputs     []inputNode
	captchaSrc string
	formAction string
	title      string
}

type inputNode struct {
	id, name, typ, value string
}

// parsePage walks the document once collecting inputs, the first form action
// and the captcha image source.
func parsePage(r io.Reader, captchaID string) (*parsedPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &parsedPage{}
	var captchaAny, captchaFold string
	formSeen := false

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			id := attr(n, "id")
			switch n.Data {
			case "input":
				page.inputs = append(page.inputs, inputNode{
					id:    id,
					name:  attr(n, "name"),
					typ:   strings.ToLower(attr(n, "type")),
					value: attr(n, "value"),
				})
			case "select", "textarea":
				page.inputs = append(page.inputs, inputNode{id: id, name: attr(n, "name"), typ: n.Data})
			case "form":
				if !formSeen {
					formSeen = true
					page.formAction = attr(n, "action")
				}
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					page.title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
			if src := attr(n, "src"); src != "" {
				if id == captchaID && captchaAny == "" {
					captchaAny = src
				} else if strings.EqualFold(id, captchaID) && captchaFold == "" {
					captchaFold = src
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	page.captchaSrc = captchaAny
	if page.captchaSrc == "" {
		page.captchaSrc = captchaFold
	}
	return page, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// buildForm resolves URLs against the page and indexes inputs.
func buildForm(pageURL *url.URL, page *parsedPage) (*Form, error) {
	form := &Form{
		PageURL: pageURL.String(),
		Tokens:  make(map[string]string, len(stateTokens)),
		hidden:  url.Values{},
		names:   map[string]string{},
	}

	for _, tok := range stateTokens {
		form.Tokens[tok] = ""
	}
	for _, in := range page.inputs {
		if in.id != "" {
			form.names[in.id] = in.name
			if _, ok := form.Tokens[in.id]; ok {
				form.Tokens[in.id] = in.value
			}
		}
		if in.typ == "hidden" && in.name != "" {
			form.hidden.Set(in.name, in.value)
		}
	}

	action := pageURL
	if page.formAction != "" {
		u, err := pageURL.Parse(page.formAction)
		if err != nil {
			return nil, fmt.Errorf("resolve form action %q: %w", page.formAction, err)
		}
		action = u
	}
	form.ActionURL = action.String()

	if page.captchaSrc != "" {
		u, err := pageURL.Parse(page.captchaSrc)
		if err != nil {
			return nil, fmt.Errorf("resolve captcha src %q: %w", page.captchaSrc, err)
		}
		form.CaptchaURL = u.String()
	}

	return form, nil
}

// values assembles the POST body for q and the captcha answer.
func (f *Form) values(q Query, answer string) url.Values {
	v := url.Values{}
	for name, vals := range f.hidden {
		for _, val := range vals {
			v.Add(name, val)
		}
	}
	for id, val := range f.Tokens {
		if v.Get(id) == "" && f.FieldName(id) == id {
			v.Set(id, val)
		}
	}
	v.Set(f.FieldName(FieldCedula), q.Cedula)
	v.Set(f.FieldName(FieldDay), q.dayValue())
	v.Set(f.FieldName(FieldMonth), q.monthValue())
	v.Set(f.FieldName(FieldYear), q.yearValue())
	v.Set(f.FieldName(FieldCaptcha), answer)
	v.Set(f.FieldName(FieldSubmit), "Continuar")
	return v
}
