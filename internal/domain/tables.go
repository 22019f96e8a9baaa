package domain

var Tables = []interface{}{
	&Agent{},
	&Conversation{},
	&Message{},
	&Instance{},
	&FollowupSettings{},
}
