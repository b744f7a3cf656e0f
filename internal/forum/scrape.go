package forum

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/agentworkforce/relaypost/internal/identity"
)

var inlineCSRFPattern = regexp.MustCompile(`csrf\s*:\s*['"]([^'"]+)['"]`)

// Page is what a forum page reveals about the session that fetched it.
type Page struct {
	// Token is the value of the hidden _xfToken form field.
	Token string
	// InlineCSRF is the csrf hash from the inline config script.
	InlineCSRF string
	// MetaCSRF is the content of the csrf-token meta tag.
	MetaCSRF string
	LastDate string
	// Profile is nil when the page was served to a guest.
	Profile *identity.Profile
}

func ParsePage(body []byte) (Page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}
	var page Page
	var profileNode *html.Node
	walk(root, func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "input":
				name := attr(n, "name")
				switch {
				case name == "_xfToken" && page.Token == "":
					page.Token = attr(n, "value")
				case name == "last_date" && page.LastDate == "":
					page.LastDate = attr(n, "value")
				}
			case "meta":
				if attr(n, "name") == "csrf-token" && page.MetaCSRF == "" {
					page.MetaCSRF = attr(n, "content")
				}
			}
			if profileNode == nil {
				if id := strings.TrimSpace(attr(n, "data-user-id")); id != "" && id != "0" {
					profileNode = n
				}
			}
		case html.TextNode:
			if page.InlineCSRF == "" && n.Parent != nil && n.Parent.Data == "script" {
				if m := inlineCSRFPattern.FindStringSubmatch(n.Data); m != nil {
					page.InlineCSRF = m[1]
				}
			}
		}
	})
	if profileNode != nil {
		page.Profile = profileFrom(profileNode)
	}
	return page, nil
}

// profileFrom reads the user card: data-user-id and data-username on the
// element itself, and the first avatar image below it.
func profileFrom(n *html.Node) *identity.Profile {
	profile := &identity.Profile{
		ExternalUserID: strings.TrimSpace(attr(n, "data-user-id")),
		Username:       strings.TrimSpace(attr(n, "data-username")),
		DisplayName:    strings.TrimSpace(attr(n, "data-display-name")),
	}
	walk(n, func(child *html.Node) {
		if child.Type != html.ElementNode || child.Data != "img" || profile.AvatarURL != "" {
			return
		}
		if strings.Contains(attr(child, "class"), "avatar") || strings.Contains(attr(child, "alt"), profile.Username) {
			profile.AvatarURL = attr(child, "src")
		}
	})
	if profile.Username == "" {
		profile.Username = strings.TrimSpace(textOf(n))
	}
	if profile.DisplayName == "" {
		profile.DisplayName = profile.Username
	}
	return profile
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(child *html.Node) {
		if child.Type == html.TextNode {
			b.WriteString(child.Data)
		}
	})
	return b.String()
}
