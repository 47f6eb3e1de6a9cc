package trello

import (
	"sort"
	"time"
)

// Board is a source board
type Board struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

// List is a source list (column)
type List struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Closed  bool    `json:"closed"`
	Pos     float64 `json:"pos"`
	IDBoard string  `json:"idBoard"`
}

// Label is a source board label. Name may be empty, in which case the
// colour is the only identity the label has.
type Label struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	IDBoard string `json:"idBoard"`
}

// DisplayName returns the name, falling back to the colour.
func (l Label) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Color
}

// Card is a source card
type Card struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Desc         string     `json:"desc"`
	Closed       bool       `json:"closed"`
	Due          *time.Time `json:"due"`
	Pos          float64    `json:"pos"`
	IDBoard      string     `json:"idBoard"`
	IDList       string     `json:"idList"`
	IDLabels     []string   `json:"idLabels"`
	IDMembers    []string   `json:"idMembers"`
	IDChecklists []string   `json:"idChecklists"`
	Labels       []Label    `json:"labels"`
}

// LabelNames returns the names of the card's embedded labels. Unnamed
// labels are skipped; their colour is not a name.
func (c Card) LabelNames() []string {
	names := make([]string, 0, len(c.Labels))
	for _, l := range c.Labels {
		if l.Name == "" {
			continue
		}
		names = append(names, l.Name)
	}
	return names
}

// Member is a source user as embedded in actions
type Member struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Username string `json:"username"`
}

// Comment is a commentCard action
type Comment struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Date            time.Time   `json:"date"`
	IDMemberCreator string      `json:"idMemberCreator"`
	MemberCreator   Member      `json:"memberCreator"`
	Data            CommentData `json:"data"`
}

// CommentData is the payload of a commentCard action
type CommentData struct {
	Text string `json:"text"`
	Card struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"card"`
}

// CardID returns the id of the card the comment belongs to.
func (c Comment) CardID() string { return c.Data.Card.ID }

// AuthorID returns the source member that wrote the comment.
func (c Comment) AuthorID() string {
	if c.IDMemberCreator != "" {
		return c.IDMemberCreator
	}
	return c.MemberCreator.ID
}

// Checklist is a source checklist with its items
type Checklist struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	IDCard     string      `json:"idCard"`
	Pos        float64     `json:"pos"`
	CheckItems []CheckItem `json:"checkItems"`
}

// CheckItem is a single checklist entry
type CheckItem struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	State string  `json:"state"` // complete or incomplete
	Pos   float64 `json:"pos"`
}

// Complete reports whether the item is checked.
func (i CheckItem) Complete() bool { return i.State == "complete" }

// SortItems orders check items by position.
func (c *Checklist) SortItems() {
	sort.SliceStable(c.CheckItems, func(i, j int) bool {
		return c.CheckItems[i].Pos < c.CheckItems[j].Pos
	})
}

// Snapshot is everything needed to merge one board except comments and
// checklist contents.
type Snapshot struct {
	Board  Board   `json:"board"`
	Lists  []List  `json:"lists"`
	Cards  []Card  `json:"cards"`
	Labels []Label `json:"labels"`
}

// Card returns the open card with the given id.
func (s *Snapshot) Card(id string) (Card, bool) {
	for _, c := range s.Cards {
		if c.ID == id {
			return c, true
		}
	}
	return Card{}, false
}
