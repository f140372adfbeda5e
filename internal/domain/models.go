package domain

// VPC is a virtual private cloud owning tiered guest networks and a router pair
type VPC struct {
	ID            int64  // Unique identifier
	Name          string // VPC name
	CIDR          string // Super CIDR all tier networks must fall inside
	Redundant     bool   // Whether the VPC runs a MASTER/BACKUP router pair
	NetworkDomain string // DNS domain handed to guests (optional)
}

// Network is a guest tier inside a VPC
type Network struct {
	ID              int64  // Unique identifier
	VPCID           int64  // Foreign key to VPC
	Name            string // Network name
	CIDR            string // Tier CIDR (e.g. "10.1.2.0/24")
	Gateway         string // Gateway address, never leased
	IPExclusionList string // Comma separated addresses and a-b ranges withheld from leasing
	ACLID           *int64 // Network ACL bound to the tier (optional)
}

// IPAddressLease represents an address leased from a network pool
type IPAddressLease struct {
	ID         int64  // Unique identifier
	NetworkID  int64  // Foreign key to Network
	InstanceID *int64 // Owning instance (optional)
	IPAddress  string // The leased address
	CreatedAt  string // When the lease was created
}

// Instance is a guest VM NIC attached to a tier network
type Instance struct {
	ID        int64  // Unique identifier
	Name      string // Instance name
	NetworkID int64  // Foreign key to Network
	IPAddress string // Address leased for the NIC
	State     string // Running, Stopped
	UserData  string // Served to the guest by the metadata endpoints
}

// MaxUserDataSize caps the decoded user data of an instance
const MaxUserDataSize = 4096

// PublicIP is an address associated with a VPC
type PublicIP struct {
	ID        int64  // Unique identifier
	VPCID     int64  // Foreign key to VPC
	Address   string // Public address
	SourceNAT bool   // Source NAT address of the VPC, also the VPN endpoint
	ACLID     *int64 // ACL list bound to the public IP (optional)
}

// ACLList is a named, ordered rule list
type ACLList struct {
	ID          int64  // Unique identifier
	VPCID       *int64 // Owning VPC, nil for the built-in lists
	Name        string // List name
	Description string // Optional description
}

// ACLRule is a single entry in an ACL list
type ACLRule struct {
	ID          int64  // Unique identifier
	ACLID       int64  // Foreign key to ACLList
	Number      int    // Evaluation order, unique inside a list
	Protocol    string // tcp, udp, icmp, all
	Action      string // Allow, Deny
	TrafficType string // Ingress, Egress
	StartPort   int    // First port of the range (tcp/udp only)
	EndPort     int    // Last port of the range (tcp/udp only)
	CIDRList    string // Comma separated source CIDRs, empty means any
}

// Router is a virtual router instance serving a VPC
type Router struct {
	ID          int64  // Unique identifier
	VPCID       int64  // Foreign key to VPC
	Name        string // Router name
	InstanceID  string // Hypervisor or cloud instance identifier used for stop/start
	LinkLocalIP string // Control-plane address reachable from the host
	HostAddress string // Host the router runs on, target of the health probe
	HostPort    int    // SSH port on the host
	Redundant   bool   // Member of a redundant pair
	State       string // Running, Stopped
	Role        string // MASTER, BACKUP, UNKNOWN, STANDALONE as last observed
}

// VPNGateway is the site-to-site VPN endpoint of a VPC
type VPNGateway struct {
	ID       int64  // Unique identifier
	VPCID    int64  // Foreign key to VPC, one gateway per VPC
	PublicIP string // Source NAT address of the VPC
}

// VPNCustomerGateway describes a remote peer
type VPNCustomerGateway struct {
	ID          int64  // Unique identifier
	Name        string // Gateway name
	GatewayIP   string // Peer public address
	CIDRList    string // Comma separated peer networks
	IKEPolicy   string // e.g. "3des-md5;modp1536"
	ESPPolicy   string // e.g. "3des-md5;modp1536"
	PSK         string // Pre-shared key
	IKELifetime int    // Seconds
	ESPLifetime int    // Seconds
	DPD         bool   // Dead peer detection
}

// VPNConnection is a tunnel between a VPN gateway and a customer gateway
type VPNConnection struct {
	ID                int64  // Unique identifier
	GatewayID         int64  // Foreign key to VPNGateway
	CustomerGatewayID int64  // Foreign key to VPNCustomerGateway
	Passive           bool   // Wait for the peer to initiate
	State             string // Pending, Connecting, Connected, Disconnected, Failed
	FailureReason     string // Last failure, empty unless Failed
}

// RemoteAccessVPN is an L2TP/IPsec endpoint on a public IP
type RemoteAccessVPN struct {
	ID         int64  // Unique identifier
	PublicIPID int64  // Foreign key to PublicIP
	IPRange    string // Client address range, e.g. "10.2.2.1-10.2.2.10"
	PSK        string // Generated pre-shared key
	State      string // Running, Removed
}

// VPNUser is a remote access VPN user
type VPNUser struct {
	ID       int64  // Unique identifier
	Username string // Login name
	Password string // Password
}
