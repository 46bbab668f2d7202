package nostr

const (
	KindProfileMetadata        int = 0
	KindTextNote               int = 1
	KindEncryptedDirectMessage int = 4
	KindDeletion               int = 5

	KindSimpleGroupChatMessage  int = 9
	KindSimpleGroupPutUser      int = 9000
	KindSimpleGroupRemoveUser   int = 9001
	KindSimpleGroupEditMetadata int = 9002
	KindSimpleGroupDeleteEvent  int = 9005
	KindSimpleGroupCreateGroup  int = 9007
	KindSimpleGroupDeleteGroup  int = 9008
	KindSimpleGroupJoinRequest  int = 9021
	KindSimpleGroupLeaveRequest int = 9022
	KindSimpleGroupMetadata     int = 39000
	KindSimpleGroupAdmins       int = 39001
	KindSimpleGroupMembers      int = 39002

	// group-addressed dual-signed membership transfer (old key -> new key)
	KindIdentityMigration int = 9033

	// encrypted requests to a notification service
	KindServiceRegisterDevice   int = 3079
	KindServiceDeregisterDevice int = 3080
	KindServiceSubscribe        int = 3081
	KindServiceUnsubscribe      int = 3082

	KindClientAuthentication int = 22242
	KindNostrConnect         int = 24133
)
