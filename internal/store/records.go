package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"meshmon/pkg/models"
)

func load[T any](tx Tx, kind Kind, key string) (*T, error) {
	raw, err := tx.Get(kind, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, key, err)
	}
	return &v, nil
}

func list[T any](tx Tx, kind Kind, prefix string) ([]T, error) {
	raw, err := tx.Scan(kind, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		if err := json.Unmarshal(raw[k], &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", kind, k, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func save(tx Tx, kind Kind, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, key, err)
	}
	return tx.Put(kind, key, data)
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GetNode loads a node by id.
func GetNode(tx Tx, id string) (*models.Node, error) {
	return load[models.Node](tx, KindNode, id)
}

// ListNodes returns all nodes ordered by id.
func ListNodes(tx Tx) ([]models.Node, error) {
	return list[models.Node](tx, KindNode, "")
}

// PutNode stores a node.
func PutNode(tx Tx, n *models.Node) error {
	return save(tx, KindNode, n.ID, n)
}

// DeleteNode removes a node and the records it owns.
func DeleteNode(tx Tx, id string) error {
	for _, kind := range []Kind{KindWarning, KindEvent, KindClient, KindPackage, KindPeer} {
		keys, err := tx.Scan(kind, id+"|")
		if err != nil {
			return err
		}
		for k := range keys {
			if err := tx.Delete(kind, k); err != nil {
				return err
			}
		}
	}
	peers, err := tx.Scan(KindPeer, "")
	if err != nil {
		return err
	}
	for k := range peers {
		if strings.HasSuffix(k, "|"+id) {
			if err := tx.Delete(KindPeer, k); err != nil {
				return err
			}
		}
	}
	subnets, err := tx.Scan(KindSubnet, id+"/")
	if err != nil {
		return err
	}
	for k := range subnets {
		if err := tx.Delete(KindSubnet, k); err != nil {
			return err
		}
	}
	links, err := tx.Scan(KindLink, "")
	if err != nil {
		return err
	}
	for k := range links {
		if strings.HasPrefix(k, id+">") || strings.HasSuffix(k, ">"+id) {
			if err := tx.Delete(KindLink, k); err != nil {
				return err
			}
		}
	}
	return tx.Delete(KindNode, id)
}

// ListLinks returns all links ordered by key.
func ListLinks(tx Tx) ([]models.Link, error) {
	return list[models.Link](tx, KindLink, "")
}

// PutLink stores a link.
func PutLink(tx Tx, l *models.Link) error {
	return save(tx, KindLink, l.Key(), l)
}

// DeleteLink removes a link.
func DeleteLink(tx Tx, key string) error {
	return tx.Delete(KindLink, key)
}

// ListSubnets returns all subnets ordered by id.
func ListSubnets(tx Tx) ([]models.Subnet, error) {
	return list[models.Subnet](tx, KindSubnet, "")
}

// NodeSubnets returns the subnets owned by a node.
func NodeSubnets(tx Tx, nodeID string) ([]models.Subnet, error) {
	return list[models.Subnet](tx, KindSubnet, nodeID+"/")
}

// PutSubnet stores a subnet.
func PutSubnet(tx Tx, s *models.Subnet) error {
	return save(tx, KindSubnet, s.ID, s)
}

// DeleteSubnet removes a subnet.
func DeleteSubnet(tx Tx, id string) error {
	return tx.Delete(KindSubnet, id)
}

// ListWarnings returns warnings, optionally restricted to one node.
func ListWarnings(tx Tx, nodeID string) ([]models.Warning, error) {
	prefix := ""
	if nodeID != "" {
		prefix = nodeID + "|"
	}
	return list[models.Warning](tx, KindWarning, prefix)
}

// GetWarning loads a warning by its de-duplication key.
func GetWarning(tx Tx, key string) (*models.Warning, error) {
	return load[models.Warning](tx, KindWarning, key)
}

// PutWarning stores a warning.
func PutWarning(tx Tx, w *models.Warning) error {
	return save(tx, KindWarning, w.Key(), w)
}

// DeleteWarning removes a warning by key.
func DeleteWarning(tx Tx, key string) error {
	return tx.Delete(KindWarning, key)
}

func eventKey(e *models.Event) string {
	return e.NodeID + "|" + e.ID
}

// ListEvents returns events, optionally restricted to one node.
func ListEvents(tx Tx, nodeID string) ([]models.Event, error) {
	prefix := ""
	if nodeID != "" {
		prefix = nodeID + "|"
	}
	return list[models.Event](tx, KindEvent, prefix)
}

// PutEvent stores an event.
func PutEvent(tx Tx, e *models.Event) error {
	return save(tx, KindEvent, eventKey(e), e)
}

// DeleteEvent removes an event.
func DeleteEvent(tx Tx, e *models.Event) error {
	return tx.Delete(KindEvent, eventKey(e))
}

func clientKey(nodeID, mac string) string {
	return nodeID + "|" + mac
}

// ListClients returns client records, optionally restricted to one node.
func ListClients(tx Tx, nodeID string) ([]models.APClient, error) {
	prefix := ""
	if nodeID != "" {
		prefix = nodeID + "|"
	}
	return list[models.APClient](tx, KindClient, prefix)
}

// PutClient stores a client record.
func PutClient(tx Tx, c *models.APClient) error {
	return save(tx, KindClient, clientKey(c.NodeID, c.MAC), c)
}

// DeleteClient removes a client record.
func DeleteClient(tx Tx, c *models.APClient) error {
	return tx.Delete(KindClient, clientKey(c.NodeID, c.MAC))
}

func packageKey(nodeID, name string) string {
	return nodeID + "|" + name
}

// ListPackages returns the software inventory of a node.
func ListPackages(tx Tx, nodeID string) ([]models.InstalledPackage, error) {
	return list[models.InstalledPackage](tx, KindPackage, nodeID+"|")
}

// PutPackage stores an inventory entry.
func PutPackage(tx Tx, p *models.InstalledPackage) error {
	return save(tx, KindPackage, packageKey(p.NodeID, p.Name), p)
}

// DeletePackage removes an inventory entry.
func DeletePackage(tx Tx, p *models.InstalledPackage) error {
	return tx.Delete(KindPackage, packageKey(p.NodeID, p.Name))
}

// GetPeerHistory loads the adjacency history of a node pair.
func GetPeerHistory(tx Tx, nodeID, peerID string) (*models.PeerHistory, error) {
	return load[models.PeerHistory](tx, KindPeer, nodeID+"|"+peerID)
}

// PutPeerHistory stores adjacency history.
func PutPeerHistory(tx Tx, h *models.PeerHistory) error {
	return save(tx, KindPeer, h.NodeID+"|"+h.PeerID, h)
}

// ListNotices returns pending renumber notices keyed by new address.
func ListNotices(tx Tx) ([]models.RenumberNotice, error) {
	return list[models.RenumberNotice](tx, KindNotice, "")
}

// GetNotice loads the renumber notice announcing address as a node's new
// address.
func GetNotice(tx Tx, address string) (*models.RenumberNotice, error) {
	return load[models.RenumberNotice](tx, KindNotice, address)
}

// PutNotice stores a renumber notice.
func PutNotice(tx Tx, n *models.RenumberNotice) error {
	return save(tx, KindNotice, n.NewAddress, n)
}

// DeleteNotice removes a renumber notice.
func DeleteNotice(tx Tx, address string) error {
	return tx.Delete(KindNotice, address)
}
