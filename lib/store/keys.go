package store

import (
	"fmt"
	"strings"
)

// Key layout of the cluster partition. Keys are hierarchical path-like strings.
const (
	prefixKV          = "/kv/"
	prefixClusterInfo = "/clusters/info/"
	prefixNodes       = "/clusters/node/"
	prefixConfig      = "/config/"
)

// placementCluster is the config namespace of the placement center itself
const placementCluster = "placement"

// KeyKV returns the storage key of a user key in the kv namespace
func KeyKV(key string) string {
	return prefixKV + key
}

// KeyCluster returns the storage key of a cluster record
func KeyCluster(clusterType, clusterName string) string {
	return fmt.Sprintf("%s%s/%s", prefixClusterInfo, clusterType, clusterName)
}

// KeyNode returns the storage key of a registered node
func KeyNode(clusterName string, nodeID uint64) string {
	return fmt.Sprintf("%s%s/%d", prefixNodes, clusterName, nodeID)
}

// KeyNodePrefix returns the prefix of all nodes of a cluster.
// An empty cluster name yields the prefix of all registered nodes.
func KeyNodePrefix(clusterName string) string {
	if clusterName == "" {
		return prefixNodes
	}
	return prefixNodes + clusterName + "/"
}

// KeyConfig returns the storage key of a config value of a cluster
func KeyConfig(clusterName, key string) string {
	return fmt.Sprintf("%s%s/%s", prefixConfig, clusterName, key)
}

// KeyMember returns the storage key of a consensus group member (its rpc address)
func KeyMember(nodeID uint64) string {
	return KeyConfig(placementCluster, fmt.Sprintf("member/%d", nodeID))
}

// KeyMemberPrefix returns the prefix of all consensus group members
func KeyMemberPrefix() string {
	return KeyConfig(placementCluster, "member/")
}

// ValidateName rejects cluster names and types that can not be used as a single key segment
func ValidateName(field, name string) error {
	if name == "" {
		return Errorf(RetCValidation, "%s cannot be empty", field)
	}
	if strings.ContainsAny(name, "/\x00") {
		return Errorf(RetCValidation, "%s '%s' cannot contain '/' or a zero byte", field, name)
	}
	return nil
}

// ValidateKey rejects keys that would escape their namespace
func ValidateKey(key string) error {
	if key == "" {
		return NewError(RetCValidation, "key cannot be empty")
	}
	if strings.ContainsRune(key, 0) {
		return NewError(RetCValidation, "key cannot contain a zero byte")
	}
	return nil
}
