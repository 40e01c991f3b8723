package domain

var Tables = []interface{}{
	// Tenants
	&TenantDevice{},
	&Contact{},
	// Blast
	&Campaign{},
	&BlastRecipient{},
	&MessageLog{},
}
