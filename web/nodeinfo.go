package web

import (
	"context"
	"log"
	"time"

	"github.com/deemkeen/anancus/util"
)

// NodeInfo20 represents the NodeInfo 2.0 schema
// See: https://nodeinfo.diaspora.software/schema.html
type NodeInfo20 struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfyear int `json:"activeHalfyear"`
}

type NodeInfoMetadata struct {
	NodeName        string `json:"nodeName"`
	NodeDescription string `json:"nodeDescription"`
}

// WellKnownNodeInfo represents the /.well-known/nodeinfo response
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// BuildNodeInfo20 assembles the NodeInfo 2.0 document with usage counts from
// the indexes. Count failures degrade to zero rather than failing discovery.
func (s *Server) BuildNodeInfo20(ctx context.Context) *NodeInfo20 {
	now := time.Now().UTC()

	totalUsers, err := s.Users.CountAccounts(ctx)
	if err != nil {
		log.Printf("Web: failed to count accounts: %v", err)
	}
	activeMonth, err := s.Users.CountActiveSince(ctx, now.AddDate(0, -1, 0))
	if err != nil {
		log.Printf("Web: failed to count active users (month): %v", err)
	}
	activeHalfyear, err := s.Users.CountActiveSince(ctx, now.AddDate(0, -6, 0))
	if err != nil {
		log.Printf("Web: failed to count active users (half year): %v", err)
	}
	localPosts, err := s.Objects.CountLocalPosts(ctx)
	if err != nil {
		log.Printf("Web: failed to count local posts: %v", err)
	}

	nodeName := s.Conf.Conf.NodeName
	if nodeName == "" {
		nodeName = util.Name
	}

	return &NodeInfo20{
		Version: "2.0",
		Software: NodeInfoSoftware{
			Name:    util.Name,
			Version: util.GetVersion(),
		},
		Protocols: []string{"activitypub"},
		Services:  NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		// accounts are provisioned from the command line
		OpenRegistrations: false,
		Usage: NodeInfoUsage{
			Users: NodeInfoUsers{
				Total:          totalUsers,
				ActiveMonth:    activeMonth,
				ActiveHalfyear: activeHalfyear,
			},
			LocalPosts: localPosts,
		},
		Metadata: NodeInfoMetadata{
			NodeName:        nodeName,
			NodeDescription: s.Conf.Conf.NodeDescription,
		},
	}
}

// BuildWellKnownNodeInfo returns the /.well-known/nodeinfo discovery document.
func (s *Server) BuildWellKnownNodeInfo() *WellKnownNodeInfo {
	return &WellKnownNodeInfo{
		Links: []NodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + s.domain() + "/nodeinfo/2.0",
			},
		},
	}
}
