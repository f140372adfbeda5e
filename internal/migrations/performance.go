package migrations

import (
	"database/sql"
)

var performanceIndices = map[string]string{
	"idx_networks_vpc_id":          "networks(vpc_id)",
	"idx_networks_acl_id":          "networks(acl_id)",
	"idx_ip_address_leases_net":    "ip_address_leases(network_id)",
	"idx_ip_address_leases_inst":   "ip_address_leases(instance_id)",
	"idx_instances_network_id":     "instances(network_id)",
	"idx_public_ips_vpc_id":        "public_ips(vpc_id)",
	"idx_acl_rules_acl_id":         "acl_rules(acl_id, number)",
	"idx_routers_vpc_id":           "routers(vpc_id)",
	"idx_vpn_connections_gateway":  "vpn_connections(gateway_id)",
	"idx_vpn_connections_customer": "vpn_connections(customer_gateway_id)",
}

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				var stmts []string
				for name, on := range performanceIndices {
					stmts = append(stmts, "CREATE INDEX IF NOT EXISTS "+name+" ON "+on)
				}
				return execAll(tx, stmts...)
			},
			Down: func(tx *sql.Tx) error {
				var stmts []string
				for name := range performanceIndices {
					stmts = append(stmts, "DROP INDEX IF EXISTS "+name)
				}
				return execAll(tx, stmts...)
			},
		},
	}
}
