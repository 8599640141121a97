package mvm

// MBI (Mosh Binary Interface) is the introspection document for a
// deployed contract: every callable surface with its access flags.
type MBI struct {
	Name      string       `json:"name"`
	Address   string       `json:"address"`
	Owner     string       `json:"owner"`
	Token     string       `json:"token,omitempty"`
	Variables []MBIVar     `json:"variables"`
	Mappings  []MBIMapping `json:"mappings"`
	Functions []MBIFn      `json:"functions"`
}

type MBIVar struct {
	Name      string  `json:"name"`
	Type      VarType `json:"type"`
	ReadPath  string  `json:"read"`
	WritePath string  `json:"write"`
}

type MBIMapping struct {
	Name        string  `json:"name"`
	KeyType     VarType `json:"key_type"`
	ValueType   VarType `json:"value_type"`
	ReadOnePath string  `json:"read_one"`
	ReadAllPath string  `json:"read_all"`
}

type MBIFn struct {
	Name      string     `json:"name"`
	Modifiers []Modifier `json:"modifiers"`
	Args      []FnArg    `json:"args"`
	Returns   VarType    `json:"returns,omitempty"`
	Free      bool       `json:"free"`
	Payable   bool       `json:"payable"`
	Auto      bool       `json:"auto,omitempty"`
}

// BuildMBI assembles the interface document, including the
// auto-generated getters and setters and the reserved surface.
func BuildMBI(c *Contract) *MBI {
	m := &MBI{
		Name:      c.Spec.Name,
		Address:   c.Address,
		Owner:     c.Owner,
		Token:     c.Token,
		Variables: []MBIVar{},
		Mappings:  []MBIMapping{},
		Functions: []MBIFn{},
	}
	for _, v := range c.Spec.Variables {
		m.Variables = append(m.Variables, MBIVar{
			Name:      v.Name,
			Type:      v.Type,
			ReadPath:  "get_" + v.Name,
			WritePath: "set_" + v.Name,
		})
	}
	for _, mp := range c.Spec.Mappings {
		m.Mappings = append(m.Mappings, MBIMapping{
			Name:        mp.Name,
			KeyType:     mp.KeyType,
			ValueType:   mp.ValueType,
			ReadOnePath: "get_" + mp.Name,
			ReadAllPath: "map/" + mp.Name,
		})
	}
	for i := range c.Spec.Functions {
		f := &c.Spec.Functions[i]
		m.Functions = append(m.Functions, MBIFn{
			Name:      f.Name,
			Modifiers: f.Modifiers,
			Args:      f.Args,
			Returns:   f.Returns,
			Free:      f.Has(ModView),
			Payable:   f.Has(ModPayable),
		})
	}
	// Auto surface: variable and mapping accessors plus the reserved
	// header getters and set_owner.
	for _, v := range c.Spec.Variables {
		m.Functions = append(m.Functions,
			MBIFn{Name: "get_" + v.Name, Modifiers: []Modifier{ModView}, Args: []FnArg{}, Returns: v.Type, Free: true, Auto: true},
			MBIFn{Name: "set_" + v.Name, Modifiers: []Modifier{ModWrite, ModOnlyOwner},
				Args: []FnArg{{Name: "value", Type: v.Type}}, Auto: true},
		)
	}
	for _, mp := range c.Spec.Mappings {
		m.Functions = append(m.Functions,
			MBIFn{Name: "get_" + mp.Name, Modifiers: []Modifier{ModView},
				Args: []FnArg{{Name: "key", Type: mp.KeyType}}, Returns: mp.ValueType, Free: true, Auto: true},
			MBIFn{Name: "set_" + mp.Name, Modifiers: []Modifier{ModWrite, ModOnlyOwner},
				Args: []FnArg{{Name: "key", Type: mp.KeyType}, {Name: "value", Type: mp.ValueType}}, Auto: true},
		)
	}
	for _, name := range []string{"get_owner", "get_creator", "get_token", "get_address"} {
		m.Functions = append(m.Functions,
			MBIFn{Name: name, Modifiers: []Modifier{ModView}, Args: []FnArg{}, Returns: TypeAddress, Free: true, Auto: true})
	}
	m.Functions = append(m.Functions, MBIFn{
		Name:      "set_owner",
		Modifiers: []Modifier{ModWrite, ModOnlyOwner},
		Args:      []FnArg{{Name: "new_owner", Type: TypeAddress}},
		Auto:      true,
	})
	return m
}
