package migrations

import (
	"database/sql"
)

// Built-in ACL list identifiers seeded by migration 2
const (
	DefaultAllowACLID int64 = 1
	DefaultDenyACLID  int64 = 2
)

// GetInitialMigrations returns the schema migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_vpc_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE vpcs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						cidr TEXT NOT NULL,
						redundant BOOLEAN NOT NULL DEFAULT 0,
						network_domain TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE acl_lists (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vpc_id INTEGER,
						name TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vpc_id) REFERENCES vpcs(id) ON DELETE CASCADE,
						UNIQUE (vpc_id, name)
					)`,
					`CREATE TABLE acl_rules (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						acl_id INTEGER NOT NULL,
						number INTEGER NOT NULL,
						protocol TEXT NOT NULL,
						action TEXT NOT NULL,
						traffic_type TEXT NOT NULL,
						start_port INTEGER NOT NULL DEFAULT 0,
						end_port INTEGER NOT NULL DEFAULT 0,
						cidr_list TEXT NOT NULL DEFAULT '',
						FOREIGN KEY (acl_id) REFERENCES acl_lists(id) ON DELETE CASCADE,
						UNIQUE (acl_id, number)
					)`,
					`CREATE TABLE networks (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vpc_id INTEGER NOT NULL,
						name TEXT NOT NULL,
						cidr TEXT NOT NULL,
						gateway TEXT NOT NULL,
						ip_exclusion_list TEXT NOT NULL DEFAULT '',
						acl_id INTEGER,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vpc_id) REFERENCES vpcs(id) ON DELETE CASCADE,
						FOREIGN KEY (acl_id) REFERENCES acl_lists(id),
						UNIQUE (vpc_id, name)
					)`,
					`CREATE TABLE instances (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						network_id INTEGER NOT NULL,
						ip_address TEXT NOT NULL,
						state TEXT NOT NULL DEFAULT 'Running',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE ip_address_leases (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						network_id INTEGER NOT NULL,
						instance_id INTEGER,
						ip_address TEXT NOT NULL,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE,
						FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE SET NULL,
						UNIQUE (network_id, ip_address)
					)`,
					`CREATE TABLE public_ips (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vpc_id INTEGER NOT NULL,
						address TEXT NOT NULL UNIQUE,
						source_nat BOOLEAN NOT NULL DEFAULT 0,
						acl_id INTEGER,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vpc_id) REFERENCES vpcs(id) ON DELETE CASCADE,
						FOREIGN KEY (acl_id) REFERENCES acl_lists(id)
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP TABLE IF EXISTS public_ips",
					"DROP TABLE IF EXISTS ip_address_leases",
					"DROP TABLE IF EXISTS instances",
					"DROP TABLE IF EXISTS networks",
					"DROP TABLE IF EXISTS acl_rules",
					"DROP TABLE IF EXISTS acl_lists",
					"DROP TABLE IF EXISTS vpcs",
				)
			},
		},
		{
			Version: 2,
			Name:    "seed_default_acl_lists",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`INSERT INTO acl_lists (id, vpc_id, name, description)
					 VALUES (1, NULL, 'default_allow', 'Default Network ACL Allow All')`,
					`INSERT INTO acl_lists (id, vpc_id, name, description)
					 VALUES (2, NULL, 'default_deny', 'Default Network ACL Deny All')`,
					`INSERT INTO acl_rules (acl_id, number, protocol, action, traffic_type)
					 VALUES (1, 1, 'all', 'Allow', 'Ingress')`,
					`INSERT INTO acl_rules (acl_id, number, protocol, action, traffic_type)
					 VALUES (1, 2, 'all', 'Allow', 'Egress')`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, "DELETE FROM acl_lists WHERE id IN (1, 2)")
			},
		},
		{
			Version: 3,
			Name:    "create_router_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE routers (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vpc_id INTEGER NOT NULL,
						name TEXT NOT NULL UNIQUE,
						instance_id TEXT NOT NULL,
						link_local_ip TEXT NOT NULL,
						host_address TEXT NOT NULL,
						host_port INTEGER NOT NULL DEFAULT 22,
						redundant BOOLEAN NOT NULL DEFAULT 0,
						state TEXT NOT NULL DEFAULT 'Running',
						role TEXT NOT NULL DEFAULT 'UNKNOWN',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vpc_id) REFERENCES vpcs(id) ON DELETE CASCADE
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, "DROP TABLE IF EXISTS routers")
			},
		},
		{
			Version: 4,
			Name:    "create_vpn_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE vpn_gateways (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						vpc_id INTEGER NOT NULL UNIQUE,
						public_ip TEXT NOT NULL,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (vpc_id) REFERENCES vpcs(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE vpn_customer_gateways (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						gateway_ip TEXT NOT NULL,
						cidr_list TEXT NOT NULL,
						ike_policy TEXT NOT NULL,
						esp_policy TEXT NOT NULL,
						psk TEXT NOT NULL,
						ike_lifetime INTEGER NOT NULL DEFAULT 86400,
						esp_lifetime INTEGER NOT NULL DEFAULT 3600,
						dpd BOOLEAN NOT NULL DEFAULT 0,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE vpn_connections (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						gateway_id INTEGER NOT NULL,
						customer_gateway_id INTEGER NOT NULL,
						passive BOOLEAN NOT NULL DEFAULT 0,
						state TEXT NOT NULL DEFAULT 'Pending',
						failure_reason TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (gateway_id) REFERENCES vpn_gateways(id) ON DELETE CASCADE,
						FOREIGN KEY (customer_gateway_id) REFERENCES vpn_customer_gateways(id),
						UNIQUE (gateway_id, customer_gateway_id)
					)`,
					`CREATE TABLE remote_access_vpns (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						public_ip_id INTEGER NOT NULL UNIQUE,
						ip_range TEXT NOT NULL,
						psk TEXT NOT NULL,
						state TEXT NOT NULL DEFAULT 'Running',
						FOREIGN KEY (public_ip_id) REFERENCES public_ips(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE vpn_users (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						username TEXT NOT NULL UNIQUE,
						password TEXT NOT NULL
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP TABLE IF EXISTS vpn_users",
					"DROP TABLE IF EXISTS remote_access_vpns",
					"DROP TABLE IF EXISTS vpn_connections",
					"DROP TABLE IF EXISTS vpn_customer_gateways",
					"DROP TABLE IF EXISTS vpn_gateways",
				)
			},
		},
		{
			Version: 11,
			Name:    "add_instance_user_data",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, "ALTER TABLE instances ADD COLUMN user_data TEXT NOT NULL DEFAULT ''")
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, "ALTER TABLE instances DROP COLUMN user_data")
			},
		},
	}
}

func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
