package enforcement

import "mama-os/internal/domain"

// flatteryEntry is one catalogue row: a substring pattern (matched
// case-insensitively against already-lowercased text), the category it
// belongs to, and the canonical label surfaced in rejection reasons.
type flatteryEntry struct {
	pattern  string
	category domain.FlatteryCategory
	label    string
}

// flatteryCatalogue is a language-independent (Korean + English) list of
// praise/self-congratulation/filler/confirmation tokens. Grounded on the
// scan-then-decide shape of usecase.RepairTranscript (scan message text,
// classify spans, then make a structural decision); the entries below are
// authored fresh since no prior catalogue like this existed.
var flatteryCatalogue = []flatteryEntry{
	// direct praise (English)
	{"you're absolutely right", domain.CategoryDirectPraise, "absolutely_right"},
	{"you are absolutely right", domain.CategoryDirectPraise, "absolutely_right"},
	{"great question", domain.CategoryDirectPraise, "great_question"},
	{"excellent question", domain.CategoryDirectPraise, "excellent_question"},
	{"excellent point", domain.CategoryDirectPraise, "excellent_point"},
	{"great point", domain.CategoryDirectPraise, "great_point"},
	{"brilliant idea", domain.CategoryDirectPraise, "brilliant_idea"},
	{"what a great idea", domain.CategoryDirectPraise, "great_idea"},
	{"fantastic question", domain.CategoryDirectPraise, "fantastic_question"},
	{"that's a great catch", domain.CategoryDirectPraise, "great_catch"},
	{"great catch", domain.CategoryDirectPraise, "great_catch"},
	{"good catch", domain.CategoryDirectPraise, "good_catch"},
	{"nice catch", domain.CategoryDirectPraise, "good_catch"},
	{"you nailed it", domain.CategoryDirectPraise, "nailed_it"},
	{"spot on", domain.CategoryDirectPraise, "spot_on"},
	{"excellent work", domain.CategoryDirectPraise, "excellent_work"},
	{"great job", domain.CategoryDirectPraise, "great_job"},
	{"well spotted", domain.CategoryDirectPraise, "well_spotted"},
	{"insightful observation", domain.CategoryDirectPraise, "insightful_observation"},
	{"impressive work", domain.CategoryDirectPraise, "impressive_work"},

	// self-congratulation (English)
	{"i did it", domain.CategorySelfCongratulation, "self_did_it"},
	{"i've successfully", domain.CategorySelfCongratulation, "successfully"},
	{"i have successfully", domain.CategorySelfCongratulation, "successfully"},
	{"i nailed it", domain.CategorySelfCongratulation, "self_nailed_it"},
	{"i'm proud of this", domain.CategorySelfCongratulation, "proud_of_this"},
	{"this was a great implementation", domain.CategorySelfCongratulation, "great_implementation"},
	{"flawless execution", domain.CategorySelfCongratulation, "flawless_execution"},
	{"i crushed it", domain.CategorySelfCongratulation, "crushed_it"},
	{"perfect implementation", domain.CategorySelfCongratulation, "perfect_implementation"},
	{"this is a robust solution", domain.CategorySelfCongratulation, "robust_solution"},

	// status filler (English)
	{"let me think about this", domain.CategoryStatusFiller, "let_me_think"},
	{"i'll go ahead and", domain.CategoryStatusFiller, "go_ahead_and"},
	{"now let's", domain.CategoryStatusFiller, "now_lets"},
	{"as you can see", domain.CategoryStatusFiller, "as_you_can_see"},
	{"to summarize", domain.CategoryStatusFiller, "to_summarize"},
	{"in conclusion", domain.CategoryStatusFiller, "in_conclusion"},
	{"needless to say", domain.CategoryStatusFiller, "needless_to_say"},
	{"it goes without saying", domain.CategoryStatusFiller, "goes_without_saying"},
	{"at this point", domain.CategoryStatusFiller, "at_this_point"},

	// unnecessary confirmation (English)
	{"does that make sense", domain.CategoryUnnecessaryConfirmation, "does_that_make_sense"},
	{"let me know if", domain.CategoryUnnecessaryConfirmation, "let_me_know_if"},
	{"i hope this helps", domain.CategoryUnnecessaryConfirmation, "hope_this_helps"},
	{"please let me know", domain.CategoryUnnecessaryConfirmation, "please_let_me_know"},
	{"feel free to", domain.CategoryUnnecessaryConfirmation, "feel_free_to"},
	{"just to confirm", domain.CategoryUnnecessaryConfirmation, "just_to_confirm"},
	{"to confirm", domain.CategoryUnnecessaryConfirmation, "to_confirm"},

	// direct praise (Korean)
	{"정말 좋은 질문", domain.CategoryDirectPraise, "great_question_ko"},
	{"훌륭한 지적", domain.CategoryDirectPraise, "excellent_point_ko"},
	{"정확히 맞습니다", domain.CategoryDirectPraise, "absolutely_right_ko"},
	{"좋은 아이디어", domain.CategoryDirectPraise, "great_idea_ko"},
	{"완벽한 지적", domain.CategoryDirectPraise, "perfect_point_ko"},

	// self-congratulation (Korean)
	{"성공적으로 완료했습니다", domain.CategorySelfCongratulation, "successfully_ko"},
	{"완벽하게 구현했습니다", domain.CategorySelfCongratulation, "perfect_implementation_ko"},
	{"훌륭하게 해냈습니다", domain.CategorySelfCongratulation, "crushed_it_ko"},

	// status filler (Korean)
	{"한번 생각해 보겠습니다", domain.CategoryStatusFiller, "let_me_think_ko"},
	{"결론적으로", domain.CategoryStatusFiller, "in_conclusion_ko"},
	{"요약하자면", domain.CategoryStatusFiller, "to_summarize_ko"},

	// unnecessary confirmation (Korean)
	{"이해가 되셨나요", domain.CategoryUnnecessaryConfirmation, "does_that_make_sense_ko"},
	{"도움이 되었기를 바랍니다", domain.CategoryUnnecessaryConfirmation, "hope_this_helps_ko"},
	{"편하게 말씀해 주세요", domain.CategoryUnnecessaryConfirmation, "feel_free_to_ko"},
}
